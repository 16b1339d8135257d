package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/orkestr/internal/kernel"
	"github.com/loykin/orkestr/internal/registry"
	"github.com/loykin/orkestr/internal/scheduler"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates locators and ids taken from the URL.
// Allowed characters: A-Z a-z 0-9 . _ - and no dot segments.
func isSafeName(s string) bool {
	if s == "" || s == "." {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// statusFor maps kernel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrCapacityExceeded), errors.Is(err, scheduler.ErrCapacityExceeded),
		errors.Is(err, scheduler.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, registry.ErrInitialize):
		return http.StatusUnprocessableEntity
	case errors.Is(err, kernel.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeErr(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}
