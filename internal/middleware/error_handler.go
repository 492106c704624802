package middleware

import (
	"errors"

	apiError "worksheet-service/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrorHandler renders the last error a handler reported through c.Error.
// Errors that are not APIErrors become 500s and their detail stays in the log.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		var apiErr *apiError.APIError
		if err := c.Errors.Last().Err; !errors.As(err, &apiErr) {
			apiErr = apiError.Internal(err)
		}

		event := log.Info()
		if apiErr.Status >= 500 {
			event = log.Error()
		}
		event.Err(apiErr.Internal).
			Int("status", apiErr.Status).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg(apiErr.Message)

		// a handler that already answered keeps its response
		if c.Writer.Written() {
			return
		}
		c.AbortWithStatusJSON(apiErr.Status, apiErr)
	}
}
