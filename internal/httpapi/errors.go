package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"comparium/internal/maint"
	logx "comparium/pkg/logx"
)

type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, code int, data any) {
	c.JSON(code, Response{Status: "success", Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, Response{Status: "error", Message: msg})
}

// writeError maps domain errors onto status codes. Transient store failures
// are 503 with Retry-After; a misconfigured store is a 500 the operator must fix.
func writeError(c *gin.Context, log logx.Logger, err error) {
	var verr *maint.ValidationError
	switch {
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusBadRequest, Response{Status: "error", Message: verr.Error(), Field: verr.Field})
	case errors.Is(err, maint.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, maint.ErrTransient):
		log.Warn("request failed: store unavailable", logx.String("path", c.FullPath()), logx.Err(err))
		c.Header("Retry-After", "5")
		fail(c, http.StatusServiceUnavailable, "store unavailable, retry later")
	case errors.Is(err, maint.ErrConfiguration):
		log.Error("request failed: store misconfigured", logx.String("path", c.FullPath()), logx.Err(err))
		fail(c, http.StatusInternalServerError, "store misconfigured")
	default:
		log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		fail(c, http.StatusInternalServerError, "internal error")
	}
}
