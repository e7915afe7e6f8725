package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"asyncart/internal/jobs"
	"asyncart/internal/jobs/jobstest"
	"asyncart/internal/metrics"
	"asyncart/internal/models"
	"asyncart/internal/objectstore"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const testInternalToken = "worker-secret"

type testEnv struct {
	srv     *Server
	objects *jobstest.ObjectStore
	store   *jobstest.JobStore
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	objects := jobstest.NewObjectStore()
	store := jobstest.NewJobStore()
	d := Deps{
		Jobs:          jobs.NewService(objects, store, nil, log),
		Metrics:       metrics.New(),
		Log:           log,
		InternalToken: testInternalToken,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return &testEnv{srv: NewServer(":0", d), objects: objects, store: store}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func uploadRequest(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rr.Body.String())
	}
	return out
}

func TestHome(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %s", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `action="/upload"`) || !strings.Contains(body, `name="image"`) {
		t.Errorf("home page lacks the upload form: %s", body)
	}
}

func TestUpload_Accepted(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(uploadRequest(t, "image", "cat.png", "image/png", []byte("\x89PNG data")))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("got status %d, want 202 (%s)", rr.Code, rr.Body.String())
	}
	resp := decode(t, rr)
	if resp["status"] != "QUEUED" {
		t.Errorf("status = %v", resp["status"])
	}
	if resp["message"] != msgQueued {
		t.Errorf("message = %v", resp["message"])
	}
	idStr, _ := resp["jobId"].(string)
	id, err := uuid.Parse(idStr)
	if err != nil {
		t.Fatalf("jobId %q is not a UUID: %v", idStr, err)
	}

	key := "uploads/" + id.String() + "-cat.png"
	obj, ok := env.objects.Object(key)
	if !ok {
		t.Fatalf("object %s not stored", key)
	}
	if obj.ContentType != "image/png" || string(obj.Data) != "\x89PNG data" {
		t.Errorf("stored object mismatch: %+v", obj)
	}
	row, err := env.store.GetJobByID(context.Background(), id)
	if err != nil || row.Status != models.StatusQueued || row.OriginalImageKey != key {
		t.Errorf("job row mismatch: %+v, %v", row, err)
	}
}

func TestUpload_JobIDsAreUnique(t *testing.T) {
	env := newTestEnv(t)
	seen := make(map[string]bool)

	for i := 0; i < 5; i++ {
		rr := env.do(uploadRequest(t, "image", "same.png", "image/png", []byte("x")))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("upload %d: status %d", i, rr.Code)
		}
		id := decode(t, rr)["jobId"].(string)
		if seen[id] {
			t.Fatalf("jobId %s returned twice", id)
		}
		seen[id] = true
	}
}

func TestUpload_NoImage(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{name: "wrong field", req: uploadRequest(t, "file", "cat.png", "image/png", []byte("x"))},
		{name: "not multipart", req: httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("hello"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(tt.req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("got status %d, want 400", rr.Code)
			}
			if rr.Body.String() != `{"error":"No image uploaded"}` {
				t.Errorf("unexpected body %s", rr.Body.String())
			}
			if env.objects.Len() != 0 || env.store.Len() != 0 {
				t.Error("a rejected upload must not write anything")
			}
		})
	}
}

func TestUpload_StorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.objects.PutErr = errors.New("SlowDown")

	rr := env.do(uploadRequest(t, "image", "cat.png", "image/png", []byte("x")))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rr.Code)
	}
	if rr.Body.String() != `{"error":"Internal server error"}` {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
	if env.store.Len() != 0 {
		t.Error("no job row may be created when the storage write fails")
	}
}

func TestUpload_InsertFailureRemovesObject(t *testing.T) {
	env := newTestEnv(t)
	env.store.InsertErr = errors.New("pq: relation \"jobs\" does not exist")

	rr := env.do(uploadRequest(t, "image", "cat.png", "image/png", []byte("x")))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "relation") {
		t.Error("internal cause leaked to the client")
	}
	if env.objects.Len() != 0 {
		t.Error("orphaned upload was not removed")
	}
}

func TestStatus_QueuedAfterUpload(t *testing.T) {
	env := newTestEnv(t)
	up := env.do(uploadRequest(t, "image", "cat.png", "image/png", []byte("x")))
	id := decode(t, up)["jobId"].(string)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+id, nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if rr.Body.String() != `{"status":"QUEUED"}` {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
}

func TestStatus_NonCompletedStatuses(t *testing.T) {
	env := newTestEnv(t)

	for _, st := range []models.JobStatus{models.StatusProcessing, models.StatusFailed} {
		id := uuid.New()
		env.store.Set(models.Job{ID: id, Status: st, OriginalImageKey: "uploads/x"})

		rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+id.String(), nil))

		want := fmt.Sprintf(`{"status":%q}`, st)
		if rr.Code != http.StatusOK || rr.Body.String() != want {
			t.Errorf("%s: got %d %s, want 200 %s", st, rr.Code, rr.Body.String(), want)
		}
	}
}

func TestStatus_CompletedReturnsSignedURL(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	resultKey := "results/" + id.String() + ".jpg"
	env.store.Set(models.Job{ID: id, Status: models.StatusCompleted, OriginalImageKey: "uploads/x", ResultFileKey: resultKey})

	var urls []string
	for i := 0; i < 3; i++ {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+id.String(), nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("poll %d: got status %d", i, rr.Code)
		}
		resp := decode(t, rr)
		if resp["status"] != "COMPLETED" {
			t.Errorf("status = %v", resp["status"])
		}
		raw, _ := resp["downloadUrl"].(string)
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			t.Fatalf("downloadUrl %q is not well-formed", raw)
		}
		if strings.TrimPrefix(u.Path, "/") != resultKey {
			t.Errorf("downloadUrl references %s, want %s", u.Path, resultKey)
		}
		if u.Query().Get("X-Amz-Expires") != "3600" {
			t.Errorf("downloadUrl ttl = %s, want 3600", u.Query().Get("X-Amz-Expires"))
		}
		urls = append(urls, raw)
	}

	if urls[0] == urls[1] || urls[1] == urls[2] {
		t.Error("each poll should mint a fresh URL")
	}
}

func TestStatus_CompletedWithoutResultKey(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.store.Set(models.Job{ID: id, Status: models.StatusCompleted, OriginalImageKey: "uploads/x"})

	rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+id.String(), nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rr.Code)
	}
	if rr.Body.String() != `{"error":"Internal server error"}` {
		t.Errorf("unexpected body %s", rr.Body.String())
	}
}

func TestStatus_NotFound(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+id, nil))

		if rr.Code != http.StatusNotFound {
			t.Errorf("%s: got status %d, want 404", id, rr.Code)
		}
		if rr.Body.String() != `{"error":"Job not found"}` {
			t.Errorf("%s: unexpected body %s", id, rr.Body.String())
		}
	}
}

func TestStatus_DatabaseFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.GetErr = errors.New("connection refused")

	rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+uuid.NewString(), nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rr.Code)
	}
}

func transitionRequestFor(id, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/internal/jobs/"+id+"/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testInternalToken)
	return req
}

func TestTransition(t *testing.T) {
	tests := []struct {
		name           string
		from           models.JobStatus
		body           string
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "Claim",
			from:           models.StatusQueued,
			body:           `{"status":"PROCESSING"}`,
			expectedStatus: http.StatusOK,
			expectedInBody: `"status":"PROCESSING"`,
		},
		{
			name:           "Complete",
			from:           models.StatusProcessing,
			body:           `{"status":"COMPLETED","resultFileKey":"results/{id}.jpg"}`,
			expectedStatus: http.StatusOK,
			expectedInBody: `"status":"COMPLETED"`,
		},
		{
			name:           "Complete without key",
			from:           models.StatusProcessing,
			body:           `{"status":"COMPLETED"}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "resultFileKey is required",
		},
		{
			name:           "Skip processing",
			from:           models.StatusQueued,
			body:           `{"status":"COMPLETED","resultFileKey":"results/{id}.jpg"}`,
			expectedStatus: http.StatusConflict,
			expectedInBody: "Invalid status transition",
		},
		{
			name:           "Another job's upload",
			from:           models.StatusProcessing,
			body:           `{"status":"COMPLETED","resultFileKey":"uploads/0b5a2c1e-8f7d-4e6a-9c3b-1d2e3f4a5b6c-private.png"}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "must name this job's result object",
		},
		{
			name:           "Another job's result",
			from:           models.StatusProcessing,
			body:           `{"status":"COMPLETED","resultFileKey":"results/0b5a2c1e-8f7d-4e6a-9c3b-1d2e3f4a5b6c.jpg"}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "must name this job's result object",
		},
		{
			name:           "Unknown status",
			from:           models.StatusQueued,
			body:           `{"status":"DONE"}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Unknown status",
		},
		{
			name:           "Invalid JSON",
			from:           models.StatusQueued,
			body:           `{invalid`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			id := uuid.New()
			env.store.Set(models.Job{ID: id, Status: tt.from, OriginalImageKey: "uploads/x"})

			rr := env.do(transitionRequestFor(id.String(), strings.ReplaceAll(tt.body, "{id}", id.String())))

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("handler returned unexpected body: got %v want substring %v", rr.Body.String(), tt.expectedInBody)
			}
		})
	}
}

func TestTransition_ThenStatusShowsDownload(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.store.Set(models.Job{ID: id, Status: models.StatusQueued, OriginalImageKey: "uploads/x"})

	resultKey := objectstore.ResultKey(id)
	for _, body := range []string{`{"status":"PROCESSING"}`, `{"status":"COMPLETED","resultFileKey":"` + resultKey + `"}`} {
		if rr := env.do(transitionRequestFor(id.String(), body)); rr.Code != http.StatusOK {
			t.Fatalf("transition %s: status %d", body, rr.Code)
		}
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/status/"+id.String(), nil))
	resp := decode(t, rr)
	if resp["status"] != "COMPLETED" || !strings.Contains(resp["downloadUrl"].(string), resultKey) {
		t.Errorf("unexpected status response %v", resp)
	}
}

func TestTransition_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(transitionRequestFor(uuid.NewString(), `{"status":"PROCESSING"}`))

	if rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
}

func TestTransition_DisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.InternalToken = "" })
	id := uuid.New()
	env.store.Set(models.Job{ID: id, Status: models.StatusQueued, OriginalImageKey: "uploads/x"})

	req := httptest.NewRequest(http.MethodPut, "/internal/jobs/"+id.String()+"/status", strings.NewReader(`{"status":"PROCESSING"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := env.do(req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
	row, _ := env.store.GetJobByID(context.Background(), id)
	if row.Status != models.StatusQueued {
		t.Errorf("row changed to %s through an unguarded route", row.Status)
	}
}

func TestTransition_RequiresToken(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	env.store.Set(models.Job{ID: id, Status: models.StatusQueued})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic worker-secret", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer worker-secret", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := transitionRequestFor(id.String(), `{"status":"PROCESSING"}`)
			req.Header.Del("Authorization")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if rr := env.do(req); rr.Code != tt.want {
				t.Errorf("got status %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks = []NamedCheck{
			{Name: "database", Pinger: fakePinger{}},
			{Name: "storage", Pinger: fakePinger{err: errors.New("no such bucket")}},
		}
	})

	if rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rr.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rr.Code)
	}

	rr := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz: got %d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "storage unavailable") {
		t.Errorf("readyz body %s", rr.Body.String())
	}

	ready := newTestEnv(t, func(d *Deps) {
		d.Checks = []NamedCheck{{Name: "database", Pinger: fakePinger{}}}
	})
	if rr := ready.do(httptest.NewRequest(http.MethodGet, "/readyz", nil)); rr.Code != http.StatusOK {
		t.Errorf("readyz: got %d, want 200", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(uploadRequest(t, "image", "cat.png", "image/png", []byte("x")))

	rr := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `asyncart_uploads_total{outcome="accepted"} 1`) {
		t.Error("upload counter missing from /metrics")
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Header().Get(requestIDHeader) == "" {
		t.Error("expected a generated request id")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	if got := env.do(req).Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("request id = %s, want abc-123", got)
	}
}
