// Package httpapi exposes schedules, events and notifications over HTTP with
// gin. Every /v1 route is scoped to the owner in the X-Owner-ID header.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"comparium/internal/lifecycle"
	"comparium/internal/metrics"
	"comparium/internal/storage"
	logx "comparium/pkg/logx"
)

// ParentStore records tank display names used in notification bodies.
type ParentStore interface {
	PutParent(ctx context.Context, p storage.Parent) error
	storage.ParentNamer
}

type Deps struct {
	Manager       *lifecycle.Manager
	Notifications storage.NotificationStore
	Parents       ParentStore
	Metrics       *metrics.Metrics
	MetricsPath   string
	// ViewTTL bounds the per-request read cache for overview pages.
	ViewTTL time.Duration
	// TriggerScan enqueues an out-of-band scan; nil disables the admin route.
	TriggerScan func() error
	// AdminToken guards /admin as a bearer token. Empty restricts it to
	// loopback clients.
	AdminToken string
	// Health reports component state for /healthz.
	Health func() any
	Log    logx.Logger
}

type api struct {
	Deps
	log logx.Logger
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	a := &api{Deps: d, log: d.Log.With(logx.String("comp", "http"))}

	r := gin.New()
	r.Use(requestID(), recovery(a.log), accessLog(a.log))

	r.GET("/healthz", a.health)
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(d.Metrics.Handler()))
	}
	if d.TriggerScan != nil {
		r.POST("/admin/scan", requireAdmin(d.AdminToken), a.triggerScan)
	}

	v1 := r.Group("/v1", requireOwner())
	{
		s := v1.Group("/schedules")
		s.GET("", a.listSchedules)
		s.POST("", a.createSchedule)
		s.GET("/:id", a.getSchedule)
		s.PATCH("/:id", a.updateSchedule)
		s.DELETE("/:id", a.deleteSchedule)
		s.POST("/:id/complete", a.completeSchedule)

		p := v1.Group("/parents/:parentId")
		p.PUT("", a.putParent)
		p.GET("/schedules", a.parentSchedules)
		p.GET("/events", a.parentEvents)
		p.GET("/overview", a.parentOverview)

		v1.POST("/events", a.logEvent)

		n := v1.Group("/notifications")
		n.GET("", a.listNotifications)
		n.POST("/:id/read", a.markRead)
		n.POST("/:id/dismiss", a.markDismissed)
	}
	return r
}

func (a *api) health(c *gin.Context) {
	var data any = gin.H{"ok": true}
	if a.Health != nil {
		data = a.Health()
	}
	ok(c, http.StatusOK, data)
}

func (a *api) triggerScan(c *gin.Context) {
	if err := a.TriggerScan(); err != nil {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	ok(c, http.StatusAccepted, gin.H{"queued": true})
}
