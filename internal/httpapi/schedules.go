package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"comparium/internal/lifecycle"
	"comparium/internal/maint"
	"comparium/internal/storage"
)

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func (a *api) items(list []maint.Schedule) []lifecycle.Item {
	now := a.Manager.Now()
	out := make([]lifecycle.Item, 0, len(list))
	for _, s := range list {
		out = append(out, lifecycle.NewItem(s, now))
	}
	return out
}

func (a *api) listSchedules(c *gin.Context) {
	list, err := a.Manager.List(c.Request.Context(), owner(c))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusOK, a.items(list))
}

func (a *api) createSchedule(c *gin.Context) {
	var in lifecycle.CreateInput
	if !bindJSON(c, &in) {
		return
	}
	s, err := a.Manager.Create(c.Request.Context(), owner(c), in)
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusCreated, lifecycle.NewItem(s, a.Manager.Now()))
}

func (a *api) getSchedule(c *gin.Context) {
	s, err := a.Manager.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusOK, lifecycle.NewItem(s, a.Manager.Now()))
}

func (a *api) updateSchedule(c *gin.Context) {
	var p lifecycle.Patch
	if !bindJSON(c, &p) {
		return
	}
	s, err := a.Manager.Update(c.Request.Context(), owner(c), c.Param("id"), p)
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusOK, lifecycle.NewItem(s, a.Manager.Now()))
}

func (a *api) deleteSchedule(c *gin.Context) {
	if err := a.Manager.Delete(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		writeError(c, a.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) completeSchedule(c *gin.Context) {
	out, err := a.Manager.Complete(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusOK, gin.H{
		"schedule":    lifecycle.NewItem(out.Schedule, a.Manager.Now()),
		"event":       out.Event,
		"eventLogged": out.EventLogged,
	})
}

func (a *api) parentSchedules(c *gin.Context) {
	list, err := a.Manager.ListByParent(c.Request.Context(), owner(c), c.Param("parentId"))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusOK, a.items(list))
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, 500)
}

func (a *api) parentEvents(c *gin.Context) {
	evs, err := a.Manager.History(c.Request.Context(), owner(c), c.Param("parentId"), queryLimit(c, 50))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusOK, evs)
}

// parentOverview renders a tank page: its schedules with status and the
// latest history, read through one short-lived view.
func (a *api) parentOverview(c *gin.Context) {
	ctx := c.Request.Context()
	parentID := c.Param("parentId")
	v := a.Manager.NewView(owner(c), a.ViewTTL)
	items, err := v.Schedules(ctx, parentID)
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	history, err := v.History(ctx, parentID, queryLimit(c, 10))
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	resp := gin.H{"parentId": parentID, "schedules": items, "history": history}
	if a.Parents != nil {
		if name, err := a.Parents.ParentName(ctx, owner(c), parentID); err == nil {
			resp["name"] = name
		}
	}
	ok(c, http.StatusOK, resp)
}

type eventRequest struct {
	lifecycle.EventInput
	Payload json.RawMessage `json:"payload"`
}

func (a *api) logEvent(c *gin.Context) {
	var req eventRequest
	if !bindJSON(c, &req) {
		return
	}
	in := req.EventInput
	if len(req.Payload) > 0 {
		raw, _ := json.Marshal(map[string]json.RawMessage{"payload": req.Payload})
		data, err := maint.UnmarshalEventData(in.Type, raw)
		if err != nil {
			writeError(c, a.log, &maint.ValidationError{Field: "payload", Reason: err.Error()})
			return
		}
		in.Data = data
	}
	ev, err := a.Manager.LogEvent(c.Request.Context(), owner(c), in)
	if err != nil {
		writeError(c, a.log, err)
		return
	}
	ok(c, http.StatusCreated, ev)
}

type parentRequest struct {
	Name string `json:"name" binding:"required,max=80"`
}

func (a *api) putParent(c *gin.Context) {
	if a.Parents == nil {
		fail(c, http.StatusNotImplemented, "parent names are not stored")
		return
	}
	var req parentRequest
	if !bindJSON(c, &req) {
		return
	}
	p := storage.Parent{ID: c.Param("parentId"), OwnerID: owner(c), Name: req.Name}
	if err := a.Parents.PutParent(c.Request.Context(), p); err != nil {
		// another owner's parent id answers 404, like their schedules
		writeError(c, a.log, maint.Transient("put parent", err))
		return
	}
	ok(c, http.StatusOK, p)
}
