package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/varunguleriaCodes/blockchain-indexing-platform/internal/models"
)

// RespondWithError sends a standardized JSON error response.
func RespondWithError(c *gin.Context, httpStatus int, appErrorCode string, message string, details interface{}) {
	c.JSON(httpStatus, models.APIError{
		Code:    appErrorCode,
		Message: message,
		Details: details,
	})
}

// RespondWithSuccess sends data as JSON, or only the status when data is nil
// (204 No Content).
func RespondWithSuccess(c *gin.Context, httpStatus int, data interface{}) {
	if data != nil {
		c.JSON(httpStatus, data)
	} else {
		c.Status(httpStatus)
	}
}
