package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"

	logx "comparium/pkg/logx"
)

// NewDebugRouter serves the pprof endpoints under /debug/pprof. A non-empty
// token must be sent as "Authorization: Bearer <token>".
func NewDebugRouter(token string, log logx.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "debug"))

	r := gin.New()
	r.Use(recovery(log))
	g := r.Group("/debug/pprof")
	if token != "" {
		g.Use(requireToken(token))
	}
	g.Any("/*name", serveProfile)
	return r
}

func requireToken(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			fail(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		c.Next()
	}
}

func requireAdmin(token string) gin.HandlerFunc {
	if token != "" {
		return requireToken(token)
	}
	return func(c *gin.Context) {
		if ip := net.ParseIP(c.RemoteIP()); ip == nil || !ip.IsLoopback() {
			fail(c, http.StatusForbidden, "admin routes are loopback only")
			return
		}
		c.Next()
	}
}

func serveProfile(c *gin.Context) {
	w, req := c.Writer, c.Request
	switch name := strings.Trim(c.Param("name"), "/"); name {
	case "":
		hpprof.Index(w, req)
	case "cmdline":
		hpprof.Cmdline(w, req)
	case "profile":
		hpprof.Profile(w, req)
	case "symbol":
		hpprof.Symbol(w, req)
	case "trace":
		hpprof.Trace(w, req)
	default:
		hpprof.Handler(name).ServeHTTP(w, req)
	}
}
