package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	mlerrors "meshlink/pkg/errors"
	"meshlink/pkg/logger"
)

// httpStatus maps session error codes onto HTTP statuses for the
// diagnostics API.
func httpStatus(code mlerrors.ErrorCode) int {
	switch code {
	case mlerrors.ErrCodeAuthRequired, mlerrors.ErrCodePermissionDenied:
		return http.StatusUnauthorized
	case mlerrors.ErrCodeRateLimited, mlerrors.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case mlerrors.ErrCodeConnectionLimit:
		return http.StatusServiceUnavailable
	case mlerrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware turns session errors attached to the gin
// context into structured responses. Log entries carry the request's
// trace id and authenticated peer when those are known.
func ErrorHandlerMiddleware(sugar *zap.SugaredLogger) gin.HandlerFunc {
	ctxLogger := logger.NewContextLogger(sugar.Desugar())

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		log := ctxLogger.WithContext(c).Sugar()

		var sessionErr *mlerrors.SessionError
		if errors.As(err, &sessionErr) {
			log.Errorw("request failed",
				"code", sessionErr.Code,
				"message", sessionErr.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(httpStatus(sessionErr.Code), gin.H{
				"error":   string(sessionErr.Code),
				"message": sessionErr.Message,
			})
			return
		}

		log.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   string(mlerrors.ErrCodeInternal),
			"message": "internal server error",
		})
	}
}

// RecoveryMiddleware recovers from handler panics.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(mlerrors.ErrCodeInternal),
					"message": "internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
