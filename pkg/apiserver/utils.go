package apiserver

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mecanywhere/offloadd/pkg/api"
)

// ErrorResponse is the body of every failed admin API call.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// respondJSON sends a JSON response
func respondJSON(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// respondError sends an error response
func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		Timestamp: time.Now(),
	}
	respondJSON(c, statusCode, response)
}

// respondAPIError derives status and code from a typed error.
func respondAPIError(c *gin.Context, err error) {
	respondError(c, api.HTTPStatus(err), api.Code(err), err.Error())
}
