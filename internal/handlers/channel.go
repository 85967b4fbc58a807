package handlers

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/channel"
)

// ErrorResponse is the body echo renders for HTTP errors.
type ErrorResponse struct {
	Message string `json:"message"`
}

type ChannelHandler struct {
	registry *channel.Registry
}

func NewChannelHandler(registry *channel.Registry) *ChannelHandler {
	return &ChannelHandler{registry: registry}
}

func (h *ChannelHandler) Register(e *echo.Echo) {
	group := e.Group("/admin/channels")
	group.GET("", h.ListChannels)
	group.GET("/:platform", h.GetChannel)
}

type ChannelMeta struct {
	Type               string                      `json:"type"`
	DisplayName        string                      `json:"display_name"`
	Capabilities       channel.ChannelCapabilities `json:"capabilities"`
	TextChunkLimit     int                         `json:"text_chunk_limit"`
	LengthUnit         channel.LengthUnit          `json:"length_unit"`
	DefaultWebhookPath string                      `json:"default_webhook_path"`
}

func channelMeta(desc channel.Descriptor) ChannelMeta {
	policy := channel.NormalizeOutboundPolicy(desc.OutboundPolicy)
	return ChannelMeta{
		Type:               desc.Type.String(),
		DisplayName:        desc.DisplayName,
		Capabilities:       desc.Capabilities,
		TextChunkLimit:     policy.TextChunkLimit,
		LengthUnit:         policy.Unit,
		DefaultWebhookPath: desc.DefaultWebhookPath,
	}
}

// ListChannels returns every registered adapter with its capabilities.
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	types := h.registry.Types()
	items := make([]ChannelMeta, 0, len(types))
	for _, t := range types {
		desc, ok := h.registry.GetDescriptor(t)
		if !ok {
			continue
		}
		items = append(items, channelMeta(desc))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Type < items[j].Type
	})
	return c.JSON(http.StatusOK, items)
}

// GetChannel returns the capabilities of one platform.
func (h *ChannelHandler) GetChannel(c echo.Context) error {
	channelType, err := h.registry.ParseChannelType(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	desc, ok := h.registry.GetDescriptor(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	return c.JSON(http.StatusOK, channelMeta(desc))
}
