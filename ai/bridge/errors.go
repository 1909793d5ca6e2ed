// Package bridge makes the agent's asynchronous SSE protocol look like a
// single blocking call: it opens the stream, discovers the session id, issues
// the JSON-RPC request, and waits for the one frame whose id matches.
package bridge

import (
	"context"
	"errors"
	"net"
)

// Failure taxonomy for a bridge call. The orchestrator converts every one of
// these into a user-facing fallback reply; none is retried automatically.
var (
	// ErrConnectTimeout means the stream opened but no session frame arrived
	// within the connect timeout.
	ErrConnectTimeout = errors.New("agent connect timeout")

	// ErrConnectFailed means the handshake itself failed (dial error or a
	// non-success HTTP status on GET /sse or POST /messages).
	ErrConnectFailed = errors.New("agent connect failed")

	// ErrSessionNotFound means the stream ended before announcing a session id.
	ErrSessionNotFound = errors.New("agent session not found")

	// ErrResponseTimeout means no frame matching the request id arrived within
	// the response timeout.
	ErrResponseTimeout = errors.New("agent response timeout")

	// ErrStreamEnded means the stream closed while waiting for the response.
	ErrStreamEnded = errors.New("agent stream ended")
)

// Classify maps a bridge failure onto a stable label for metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrResponseTimeout):
		return "response_timeout"
	case errors.Is(err, ErrStreamEnded):
		return "stream_ended"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "network_timeout"
	}
	return "other"
}
