package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/dedupe"
	"github.com/memohai/chatgate/internal/events"
	"github.com/memohai/chatgate/internal/history"
	"github.com/memohai/chatgate/internal/lane"
	"github.com/memohai/chatgate/internal/shortid"
)

type StatsHandler struct {
	shortIDs *shortid.Cache
	history  *history.Cache
	events   *events.Queue
	lanes    *lane.Manager
	guard    dedupe.Guard
}

func NewStatsHandler(shortIDs *shortid.Cache, hist *history.Cache, queue *events.Queue, lanes *lane.Manager, guard dedupe.Guard) *StatsHandler {
	return &StatsHandler{shortIDs: shortIDs, history: hist, events: queue, lanes: lanes, guard: guard}
}

func (h *StatsHandler) Register(e *echo.Echo) {
	e.GET("/admin/stats", h.Get)
}

type StatsResponse struct {
	ShortIDs      int  `json:"short_ids"`
	HistoryChats  int  `json:"history_chats"`
	EventSessions int  `json:"event_sessions"`
	ActiveLanes   int  `json:"active_lanes"`
	DedupeKeys    *int `json:"dedupe_keys,omitempty"`
}

// Get reports cache and lane sizes.
func (h *StatsHandler) Get(c echo.Context) error {
	resp := StatsResponse{
		ShortIDs:      h.shortIDs.Len(),
		HistoryChats:  h.history.Chats(),
		EventSessions: h.events.Sessions(),
		ActiveLanes:   h.lanes.Len(),
	}
	// Only the in-process guard knows its size.
	if sized, ok := h.guard.(interface{ Len() int }); ok {
		n := sized.Len()
		resp.DedupeKeys = &n
	}
	return c.JSON(http.StatusOK, resp)
}
