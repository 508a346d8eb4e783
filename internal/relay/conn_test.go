package relay

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory websocket leg. Frames pushed with send are read by
// the relay; frames the relay writes are recorded.
type fakeConn struct {
	in chan []byte

	mu          sync.Mutex
	written     []written
	closeFrames int
	writeAfter  int
	deadline    time.Time
	deadlines   int

	stalled atomic.Bool

	closeOnce sync.Once
	closed    chan struct{}
}

type written struct {
	at      time.Time
	payload []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (c *fakeConn) send(v any) {
	switch b := v.(type) {
	case string:
		c.in <- []byte(b)
	case []byte:
		c.in <- b
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		c.in <- raw
	}
}

// hangUp makes the next read fail with a normal close from the peer.
func (c *fakeConn) hangUp() { close(c.in) }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// stall makes every later write hang until its deadline passes or the conn
// is closed, like a peer that stopped reading.
func (c *fakeConn) stall() { c.stalled.Store(true) }

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	c.deadlines++
	return nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.stalled.Load() {
		return c.hang()
	}
	select {
	case <-c.closed:
		c.mu.Lock()
		c.writeAfter++
		c.mu.Unlock()
		return errors.New("write on closed conn")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, written{at: time.Now(), payload: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) hang() error {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-expired:
		return os.ErrDeadlineExceeded
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage {
		c.mu.Lock()
		c.closeFrames++
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// frames decodes every written frame as a generic JSON object.
func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, w := range c.written {
		var m map[string]any
		if err := json.Unmarshal(w.payload, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// framesOf returns written frames whose "type" (AI) or "event" (telephony)
// field equals kind.
func (c *fakeConn) framesOf(kind string) []map[string]any {
	var out []map[string]any
	for _, f := range c.frames() {
		if f["type"] == kind || f["event"] == kind {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) firstWriteAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return time.Time{}
	}
	return c.written[0].at
}

func (c *fakeConn) closeFrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFrames
}

func (c *fakeConn) writesAfterClose() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeAfter
}

func (c *fakeConn) deadlinesSet() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlines
}
