package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/pairing"
)

type PairingHandler struct {
	coord    *pairing.Coordinator
	registry *channel.Registry
	logger   *slog.Logger
}

func NewPairingHandler(log *slog.Logger, coord *pairing.Coordinator, registry *channel.Registry) *PairingHandler {
	return &PairingHandler{
		coord:    coord,
		registry: registry,
		logger:   log.With(slog.String("handler", "pairing")),
	}
}

func (h *PairingHandler) Register(e *echo.Echo) {
	group := e.Group("/admin/pairing")
	group.GET("/:channel", h.List)
	group.POST("/:channel/approve", h.Approve)
}

type ApprovePairingRequest struct {
	Code string `json:"code"`
}

// List returns the pending pairing requests of a channel.
func (h *PairingHandler) List(c echo.Context) error {
	channelType, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, err := h.coord.List(c.Request().Context(), channelType)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []pairing.Request{}
	}
	return c.JSON(http.StatusOK, items)
}

// Approve allowlists the sender behind a pairing code.
func (h *PairingHandler) Approve(c echo.Context) error {
	operator, err := auth.SubjectFromContext(c)
	if err != nil {
		return err
	}
	channelType, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req ApprovePairingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Code) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	approved, err := h.coord.Approve(c.Request().Context(), channelType, req.Code)
	if err != nil {
		if errors.Is(err, pairing.ErrCodeNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("pairing approved",
		slog.String("operator", operator),
		slog.String("channel", channelType.String()),
		slog.String("account_id", approved.AccountID),
		slog.String("sender_id", approved.SenderID),
	)
	return c.JSON(http.StatusOK, approved)
}
