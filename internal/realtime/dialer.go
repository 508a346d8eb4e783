// Package realtime opens the outbound voice-AI websocket for a call.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrDial marks a failed dial or upgrade to the realtime endpoint. The call
// cannot proceed without it.
var ErrDial = errors.New("realtime dial failed")

type DialerConfig struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
}

type Dialer struct {
	cfg    DialerConfig
	dialer websocket.Dialer
}

func NewDialer(cfg DialerConfig) *Dialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Endpoint returns the full URL dialed, model included.
func (d *Dialer) Endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects and upgrades. Any failure wraps ErrDial.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: status %d: %v", ErrDial, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDial, err)
	}
	return conn, nil
}
