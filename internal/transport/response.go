package transport

import (
	"io"
	"net/http"
	"strings"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
)

// maxErrorBody bounds how much of an error response ends up in messages.
const maxErrorBody = 512

// CheckResponse returns nil for 2xx responses and a typed error otherwise.
// The body is left open on success and drained on failure.
//
//	401, 403 -> AUTH_FAILED (never retried)
//	429      -> RATE_LIMITED
//	408, 504 -> TIMEOUT
//	other    -> COMMAND_FAILED
func CheckResponse(resp *http.Response, component string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	DrainAndClose(resp.Body)
	detail := strings.TrimSpace(string(snippet))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return brokererrors.New(brokererrors.ErrAuthFailed, component,
			"authentication failed (HTTP %d): check the API key or run the provider login", resp.StatusCode)
	case http.StatusTooManyRequests:
		return brokererrors.New(brokererrors.ErrRateLimited, component, "rate limited (HTTP 429)")
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return brokererrors.New(brokererrors.ErrTimeout, component, "upstream timeout (HTTP %d)", resp.StatusCode)
	default:
		return brokererrors.New(brokererrors.ErrCommandFailed, component,
			"unexpected status (HTTP %d): %s", resp.StatusCode, detail)
	}
}
