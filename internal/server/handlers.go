package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"asyncart/internal/jobs"
	"asyncart/internal/models"
)

const (
	msgNoImage     = "No image uploaded"
	msgJobNotFound = "Job not found"
	msgInternal    = "Internal server error"
	msgQueued      = "Image uploaded successfully and job queued."
)

func (s *Server) handleHome(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	file, err := c.FormFile("image")
	if err != nil {
		s.metrics.Upload("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoImage})
		return
	}

	src, err := file.Open()
	if err != nil {
		s.internalError(c, op, err, nil)
		s.metrics.Upload("error")
		return
	}
	defer src.Close()

	job, err := s.jobs.Submit(c.Request.Context(), jobs.Upload{
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		Body:        src,
	})
	if err != nil {
		s.internalError(c, op, err, nil)
		s.metrics.Upload("error")
		return
	}

	s.metrics.Upload("accepted")
	c.JSON(http.StatusAccepted, gin.H{
		"message": msgQueued,
		"jobId":   job.ID.String(),
		"status":  job.Status,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	const op = "server.handleStatus"

	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		// Ids are always UUIDs, so anything else cannot name a job.
		s.metrics.StatusRequest("not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": msgJobNotFound})
		return
	}

	res, err := s.jobs.Status(c.Request.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		s.metrics.StatusRequest("not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": msgJobNotFound})
		return
	case err != nil:
		fields := logrus.Fields{"job_id": id.String()}
		if errors.Is(err, jobs.ErrResultMissing) {
			fields["reason"] = "result_missing"
		}
		s.metrics.StatusRequest("error")
		s.internalError(c, op, err, fields)
		return
	}

	s.metrics.StatusRequest(res.Status.String())
	if res.Status != models.StatusCompleted {
		c.JSON(http.StatusOK, gin.H{"status": res.Status})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      res.Status,
		"downloadUrl": res.DownloadURL,
	})
}

type transitionRequest struct {
	Status        string `json:"status" binding:"required"`
	ResultFileKey string `json:"resultFileKey" binding:"omitempty,max=1024"`
}

func (s *Server) handleTransition(c *gin.Context) {
	const op = "server.handleTransition"

	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": msgJobNotFound})
		return
	}

	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	to, err := models.ParseJobStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown status"})
		return
	}

	job, err := s.jobs.Transition(c.Request.Context(), id, to, req.ResultFileKey)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": msgJobNotFound})
		return
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Invalid status transition"})
		return
	case errors.Is(err, jobs.ErrResultMissing):
		c.JSON(http.StatusBadRequest, gin.H{"error": "resultFileKey is required for COMPLETED"})
		return
	case errors.Is(err, jobs.ErrForeignResultKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "resultFileKey must name this job's result object"})
		return
	case err != nil:
		s.internalError(c, op, err, logrus.Fields{"job_id": id.String()})
		return
	}

	s.metrics.Transition(job.Status.String())
	c.JSON(http.StatusOK, gin.H{"jobId": job.ID.String(), "status": job.Status})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	for _, check := range s.checks {
		if err := check.Pinger.Ping(c.Request.Context()); err != nil {
			s.log.WithError(err).WithField("dependency", check.Name).Warn("readiness check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": check.Name + " unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// internalError logs the cause and answers with the generic 500 body.
func (s *Server) internalError(c *gin.Context, op string, err error, fields logrus.Fields) {
	_ = c.Error(err)
	s.log.WithFields(fields).WithError(err).WithField("op", op).Error("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
}
