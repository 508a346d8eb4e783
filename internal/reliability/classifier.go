// Package reliability classifies connection failures and paces retries.
package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Disconnect kinds used as metric labels and audit end reasons.
const (
	DisconnectNormal    = "normal"
	DisconnectGoingAway = "going_away"
	DisconnectAbnormal  = "abnormal"
	DisconnectTimeout   = "timeout"
	DisconnectCanceled  = "canceled"
	DisconnectError     = "error"
)

// ClassifyDisconnect maps the error that ended a websocket read loop to a
// disconnect kind.
func ClassifyDisconnect(err error) string {
	switch {
	case err == nil:
		return DisconnectNormal
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
		return DisconnectNormal
	case websocket.IsCloseError(err, websocket.CloseGoingAway):
		return DisconnectGoingAway
	case websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
		return DisconnectAbnormal
	case errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		return DisconnectCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return DisconnectTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return DisconnectAbnormal
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DisconnectTimeout
	}
	return DisconnectError
}

// IsRetryableHTTPStatus classifies handshake responses worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
