package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"comparium/internal/maint"
)

// listNotifications returns the owner's notifications, newest first.
// Dismissed ones are hidden unless ?all=true.
func (a *api) listNotifications(c *gin.Context) {
	list, err := a.Notifications.ListNotifications(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, a.log, maint.Transient("list notifications", err))
		return
	}
	if c.Query("all") != "true" {
		kept := list[:0]
		for _, n := range list {
			if !n.Dismissed {
				kept = append(kept, n)
			}
		}
		list = kept
	}
	ok(c, http.StatusOK, list)
}

func (a *api) markRead(c *gin.Context) {
	if err := a.Notifications.MarkRead(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		writeError(c, a.log, maint.Transient("mark read", err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) markDismissed(c *gin.Context) {
	if err := a.Notifications.MarkDismissed(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		writeError(c, a.log, maint.Transient("dismiss", err))
		return
	}
	c.Status(http.StatusNoContent)
}
