package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/auth"
)

type TokenHandler struct {
	secret    string
	expiresIn time.Duration
}

func NewTokenHandler(secret string, expiresIn time.Duration) *TokenHandler {
	return &TokenHandler{secret: secret, expiresIn: expiresIn}
}

func (h *TokenHandler) Register(e *echo.Echo) {
	e.POST("/admin/token/refresh", h.Refresh)
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Refresh issues a new admin token for the caller's subject.
func (h *TokenHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TokenResponse{AccessToken: token, ExpiresAt: expiresAt})
}
