package objectstore

import (
	"net/url"
	"strings"
)

const maxFilenameLen = 128

// SanitizeFilename reduces a client-supplied name to a single safe key segment.
// Directory parts are dropped and every byte outside [A-Za-z0-9._-] becomes '_'.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for i := 0; i < len(name) && b.Len() < maxFilenameLen; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "image"
	}
	return out
}

// OriginalNameMetadata keeps the raw upload name next to the object.
// S3 metadata must be ASCII, so the value is query-escaped.
func OriginalNameMetadata(name string) map[string]string {
	return map[string]string{"original-filename": url.QueryEscape(name)}
}
