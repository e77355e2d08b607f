package middleware

import (
	"errors"
	"net/http"
	"strings"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"
	"peerlink/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ParticipantKey is the gin context key holding the authenticated participant
const ParticipantKey = "participant_id"

func bearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header required")
	}

	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", errors.New("invalid authorization header format")
	}
	return token, nil
}

func abortUnauthorized(c *gin.Context, message string, cause error) {
	appErr := apperrors.NewUnauthorizedError(message)
	if cause != nil {
		appErr = apperrors.WrapError(cause, apperrors.ErrCodeUnauthorized, message, appErr.HTTPStatus)
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
}

// AuthMiddleware requires a bearer token. When the route carries an :id
// parameter the token must have been issued for that participant.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortUnauthorized(c, err.Error(), nil)
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err.Error(), err)
			return
		}

		if id := c.Param("id"); id != "" {
			if err := authService.Authorize(token, domain.ParticipantID(id)); err != nil {
				appErr := apperrors.NewAppError(apperrors.ErrCodeForbidden, err.Error(), http.StatusForbidden)
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
				return
			}
		}

		c.Set(ParticipantKey, claims.ParticipantID)
		c.Request = c.Request.WithContext(logger.ContextWithParticipant(c.Request.Context(), string(claims.ParticipantID)))
		c.Next()
	}
}

// AuthenticatedParticipant returns the participant set by AuthMiddleware
func AuthenticatedParticipant(c *gin.Context) (domain.ParticipantID, bool) {
	v, ok := c.Get(ParticipantKey)
	if !ok {
		return "", false
	}
	id, ok := v.(domain.ParticipantID)
	return id, ok
}
