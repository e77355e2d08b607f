package middleware

import (
	"net/http"

	"peerlink/pkg/errors"
	"peerlink/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(log)

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := errors.FromError(c.Errors.Last().Err)
		l := ctxLogger.WithContext(c.Request.Context())
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			l.Errorw("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"error", appErr.Error(),
			)
		} else {
			l.Debugw("request rejected",
				"code", appErr.Code,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
		}

		if c.Writer.Written() {
			return
		}
		c.JSON(appErr.HTTPStatus, appErr.Response())
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				appErr := errors.NewInternalError("internal server error")
				c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
			}
		}()

		c.Next()
	}
}
