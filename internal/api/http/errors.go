package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jgtolentino/pulser-sandboxd/internal/shared/errs"
)

// statusOf maps a domain error kind onto an HTTP status code. The kind
// itself travels in the response body so clients branch on it rather
// than on message text.
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.KindInvalidImage, errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case errs.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case errs.KindLeaseNotFound:
		return http.StatusNotFound
	case errs.KindLeaseNotRunning, errs.KindAlreadyTerminating:
		return http.StatusConflict
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.KindScanRejected:
		return http.StatusUnprocessableEntity
	case errs.KindPolicyViolation:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the gateway error envelope. Only the reason of
// the outermost domain error is exposed; wrapped backend causes and
// anything classified internal stay in the logs.
func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	reason := errs.ReasonOf(err)
	if kind == errs.KindInternal {
		reason = "internal error"
	}
	c.JSON(statusOf(kind), gin.H{
		"error": reason,
		"kind":  string(kind),
	})
}

// writeBindError renders malformed request bodies as invalid_argument.
func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error": err.Error(),
		"kind":  string(errs.KindInvalidArgument),
	})
}
