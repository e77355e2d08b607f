package http

import (
	"net/http"
	"strings"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues signaling tokens. It expects to sit behind a gateway that
// has already authenticated the caller.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/auth")
	{
		api.POST("/token", h.IssueToken)
		api.POST("/refresh", middleware.AuthMiddleware(h.authService), h.RefreshToken)
	}
}

type TokenRequest struct {
	ParticipantID string `json:"participant_id" binding:"required,max=128"`
}

type TokenResponse struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	AccessToken   string               `json:"access_token"`
	ExpiresIn     int                  `json:"expires_in"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	h.respondWithToken(c, http.StatusCreated, domain.ParticipantID(req.ParticipantID))
}

// RefreshToken trades a still-valid token for a fresh one
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	id, ok := middleware.AuthenticatedParticipant(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	h.respondWithToken(c, http.StatusOK, id)
}

func (h *AuthHandler) respondWithToken(c *gin.Context, status int, id domain.ParticipantID) {
	token, err := h.authService.GenerateToken(id)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(status, TokenResponse{
		ParticipantID: id,
		AccessToken:   token,
		ExpiresIn:     int(h.tokenTTL / time.Second),
	})
}
