package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusClientClosedRequest is recorded when the caller went away before the
// upstream answered. It is never written to the wire.
const StatusClientClosedRequest = 499

var (
	// ErrUpstreamUnreachable means no connection to the upstream could be made
	// or it failed before response headers arrived.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamTimeout means the upstream did not answer within the
	// configured dial or response-header timeout, or went silent mid-body for
	// longer than the read timeout.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// classify maps a transport error to a sentinel and the status synthesized for the caller.
func classify(err error) (int, error) {
	if isTimeout(err) {
		return http.StatusGatewayTimeout, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return http.StatusBadGateway, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type errorBody struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError sends an error body shaped like the upstream's own errors so
// that clients surface it normally.
func writeError(w http.ResponseWriter, status int, message string) {
	body, err := json.Marshal(errorBody{
		Type:  "error",
		Error: errorDetail{Type: "proxy_error", Message: message},
	})
	if err != nil {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	w.Write(body)
}
