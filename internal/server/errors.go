package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
)

// statusFor maps a broker error code to an HTTP status.
func statusFor(code brokererrors.Code) int {
	switch code {
	case brokererrors.ErrNotFound:
		return http.StatusNotFound
	case brokererrors.ErrInvalidArgument:
		return http.StatusBadRequest
	case brokererrors.ErrNoResources, brokererrors.ErrNotRunning, brokererrors.ErrNotCancellable,
		brokererrors.ErrAlreadyExists, brokererrors.ErrNoConnection, brokererrors.ErrMissingIdentifier:
		return http.StatusConflict
	case brokererrors.ErrAuthFailed:
		return http.StatusUnauthorized
	case brokererrors.ErrRateLimited:
		return http.StatusTooManyRequests
	case brokererrors.ErrRetryExhausted, brokererrors.ErrTimeout:
		return http.StatusGatewayTimeout
	case brokererrors.ErrCommandFailed, brokererrors.ErrDiscoveryFailed, brokererrors.ErrDegraded:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := brokererrors.CodeOf(err)
	label := string(code)
	if label == "" {
		label = "INTERNAL"
	}
	c.AbortWithStatusJSON(statusFor(code), gin.H{
		"error": gin.H{"code": label, "message": err.Error()},
	})
}

func badRequest(c *gin.Context, format string, args ...any) {
	writeError(c, brokererrors.New(brokererrors.ErrInvalidArgument, "server", format, args...))
}
