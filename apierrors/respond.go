package apierrors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Respond translates a service error into the matching JSON response. Unknown
// errors become a generic 500 so internal details never leak to clients.
func Respond(c *gin.Context, err error) {
	var (
		validation   *ValidationError
		conflict     *ConflictError
		planLimit    *PlanLimitError
		planRequired *PlanRequiredError
		notFound     *NotFoundError
		upstream     *UpstreamError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Reason})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Reason})
	case errors.As(err, &planLimit):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": planLimit.Reason})
	case errors.As(err, &planRequired):
		c.JSON(http.StatusForbidden, gin.H{"error": planRequired.Reason})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": notFound.Reason})
	case errors.As(err, &upstream):
		// the cause stays in the log, not the response
		c.JSON(http.StatusInternalServerError, gin.H{"error": upstream.Reason})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
