package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"stay_booking/pkg/errors"
)

// ErrorHandler превращает ошибку, добавленную хендлером через c.Error, в JSON ответ
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last()
		statusCode := errors.HTTPStatusFromError(err.Err)

		message := err.Error()
		if statusCode >= http.StatusInternalServerError {
			// подробности внутренних ошибок наружу не отдаем
			message = errors.ErrInternalServer.Error()
		}

		c.JSON(statusCode, gin.H{
			"error": message,
		})
	}
}
