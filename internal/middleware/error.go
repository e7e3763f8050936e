package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/iris/internal/handler"
	apperrors "github.com/jwalitptl/iris/pkg/errors"
	"github.com/jwalitptl/iris/pkg/logger"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		traceID := c.GetString(ContextRequestID)
		appErr := apperrors.As(c.Errors.Last().Err)
		status := appErr.StatusCode()

		event := log.ZL.Warn()
		if status >= 500 {
			event = log.ZL.Error()
		}
		event.Err(appErr).
			Str("request_id", traceID).
			Str("path", c.Request.URL.Path).
			Str("method", c.Request.Method).
			Msg("Request error")

		message := appErr.Error()
		if status >= 500 {
			message = appErr.Message
		}
		c.JSON(status, handler.NewErrorResponse(status, message, traceID))
	}
}
