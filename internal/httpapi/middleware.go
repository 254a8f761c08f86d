package httpapi

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	logx "comparium/pkg/logx"
)

const (
	HeaderRequestID = "X-Request-ID"
	// HeaderOwnerID carries the caller's user id. Authentication happens in
	// front of this service.
	HeaderOwnerID = "X-Owner-ID"

	ctxRequestID = "request_id"
	ctxOwnerID   = "owner_id"
)

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(ctxRequestID, rid)
		c.Header(HeaderRequestID, rid)
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", c.GetString(ctxRequestID)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("request panic recovered",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
					logx.String("path", c.Request.URL.Path),
					logx.String("request_id", c.GetString(ctxRequestID)))
				fail(c, http.StatusInternalServerError, "internal error")
			}
		}()
		c.Next()
	}
}

func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(HeaderOwnerID))
		if owner == "" {
			fail(c, http.StatusUnauthorized, HeaderOwnerID+" header required")
			return
		}
		c.Set(ctxOwnerID, owner)
		c.Next()
	}
}

func owner(c *gin.Context) string { return c.GetString(ctxOwnerID) }
