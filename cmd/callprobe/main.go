// Command callprobe plays the telephony side of a call against a running
// relay: it opens a media stream, sends mu-law frames and reports what came
// back.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/reliability"
)

type options struct {
	url       string
	streamSID string
	callSID   string
	frames    int
	interval  time.Duration
	linger    time.Duration
	timeout   time.Duration
	retries   int
	retryBase time.Duration
	wavIn     string
	recordOut string
	verbose   bool
}

// summary is what one probe call observed.
type summary struct {
	FramesSent     int           `json:"frames_sent"`
	MediaReceived  int           `json:"media_received"`
	BytesReceived  int           `json:"bytes_received"`
	Clears         int           `json:"clears"`
	Other          int           `json:"other"`
	Malformed      int           `json:"malformed"`
	FirstAudio     time.Duration `json:"first_audio_ns"`
	DialAttempts   int           `json:"dial_attempts"`
	CloseKind      string        `json:"close_kind"`
	RecordedToPath string        `json:"recorded_to,omitempty"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}

	level := "info"
	if cfg.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sum, err := run(ctx, cfg, logger.Component("callprobe"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "callprobe: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sum)
}

func parseFlags(args []string) (options, error) {
	var cfg options
	fs := flag.NewFlagSet("callprobe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.url, "url", "ws://127.0.0.1:5050/media-stream", "relay media stream URL")
	fs.StringVar(&cfg.streamSID, "stream-sid", "", "stream id to announce (random when empty)")
	fs.StringVar(&cfg.callSID, "call-sid", "", "call id to announce (random when empty)")
	fs.IntVar(&cfg.frames, "frames", 250, "number of silence frames to send when no -wav is given")
	fs.DurationVar(&cfg.interval, "interval", 20*time.Millisecond, "pacing between media frames")
	fs.DurationVar(&cfg.linger, "linger", 3*time.Second, "how long to keep listening after the last frame")
	fs.DurationVar(&cfg.timeout, "timeout", 2*time.Minute, "overall probe timeout")
	fs.IntVar(&cfg.retries, "retries", 3, "dial retries on retryable failures")
	fs.DurationVar(&cfg.retryBase, "retry-base", 250*time.Millisecond, "first dial retry backoff")
	fs.StringVar(&cfg.wavIn, "wav", "", "16-bit PCM WAV file to stream instead of silence")
	fs.StringVar(&cfg.recordOut, "record", "", "write received audio to this WAV file")
	fs.BoolVar(&cfg.verbose, "verbose", false, "log every frame")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.url = strings.TrimSpace(cfg.url)
	if !strings.HasPrefix(cfg.url, "ws://") && !strings.HasPrefix(cfg.url, "wss://") {
		return options{}, fmt.Errorf("url must be ws:// or wss://, got %q", cfg.url)
	}
	if cfg.wavIn == "" && cfg.frames <= 0 {
		return options{}, fmt.Errorf("frames must be > 0")
	}
	if cfg.interval < time.Millisecond {
		return options{}, fmt.Errorf("interval must be >= 1ms")
	}
	if cfg.retries < 0 {
		cfg.retries = 0
	}
	if cfg.linger < 0 {
		cfg.linger = 0
	}
	if cfg.streamSID == "" {
		cfg.streamSID = "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cfg.callSID == "" {
		cfg.callSID = "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return cfg, nil
}

func run(ctx context.Context, cfg options, log *logrus.Entry) (summary, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	frames, err := loadFrames(cfg)
	if err != nil {
		return summary{}, err
	}

	conn, attempts, err := dialWithRetry(ctx, cfg, log)
	if err != nil {
		return summary{DialAttempts: attempts}, err
	}
	defer conn.Close()
	// unblock the reader if the probe is interrupted
	stopAfter := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopAfter()

	rec := &receiver{log: log, verbose: cfg.verbose}
	readDone := make(chan error, 1)
	go func() { readDone <- rec.loop(conn) }()

	sent, err := sendCall(ctx, conn, cfg, frames, rec, log)
	if err != nil {
		return summary{DialAttempts: attempts}, err
	}

	var readErr error
	select {
	case readErr = <-readDone:
	case <-time.After(2 * time.Second):
		_ = conn.Close()
		readErr = <-readDone
	}

	sum := rec.snapshot()
	sum.FramesSent = sent
	sum.DialAttempts = attempts
	sum.CloseKind = reliability.ClassifyDisconnect(readErr)

	if cfg.recordOut != "" && len(rec.audio) > 0 {
		if err := audio.WriteWAVPCM16LEFile(cfg.recordOut, audio.DecodeMuLaw(rec.audio), audio.TelephonySampleRate); err != nil {
			return sum, fmt.Errorf("record received audio: %w", err)
		}
		sum.RecordedToPath = cfg.recordOut
	}
	return sum, nil
}

func loadFrames(cfg options) ([][]byte, error) {
	n := audio.FrameBytes(cfg.interval)
	if cfg.wavIn == "" {
		frames := make([][]byte, cfg.frames)
		for i := range frames {
			frames[i] = audio.SilenceFrame(n)
		}
		return frames, nil
	}
	data, err := os.ReadFile(cfg.wavIn)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.wavIn, err)
	}
	pcm = audio.ResamplePCM16(pcm, rate, audio.TelephonySampleRate)
	frames := audio.Frames(audio.EncodeMuLaw(pcm), n)
	if len(frames) == 0 {
		return nil, fmt.Errorf("%s: no audio", cfg.wavIn)
	}
	return frames, nil
}

func dialWithRetry(ctx context.Context, cfg options, log *logrus.Entry) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= cfg.retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, cfg.retryBase, 5*time.Second)
			log.WithError(lastErr).WithField("backoff", wait).Warn("dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(wait):
			}
		}
		conn, resp, err := dialer.DialContext(ctx, cfg.url, nil)
		if err == nil {
			return conn, attempt + 1, nil
		}
		lastErr = err
		if resp != nil {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
			if !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
				return nil, attempt + 1, lastErr
			}
		}
	}
	return nil, cfg.retries + 1, lastErr
}

func sendCall(ctx context.Context, conn *websocket.Conn, cfg options, frames [][]byte, rec *receiver, log *logrus.Entry) (int, error) {
	if err := conn.WriteJSON(map[string]string{"event": "connected", "protocol": "Call", "version": "1.0.0"}); err != nil {
		return 0, fmt.Errorf("send connected: %w", err)
	}
	start := protocol.TelephonyEvent{
		Event:     protocol.TelephonyStartKind,
		StreamSID: cfg.streamSID,
		Start: &protocol.TelephonyStart{
			StreamSID: cfg.streamSID,
			CallSID:   cfg.callSID,
			Tracks:    []string{"inbound"},
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		return 0, fmt.Errorf("send start: %w", err)
	}
	log.WithFields(logrus.Fields{"stream_sid": cfg.streamSID, "call_sid": cfg.callSID, "frames": len(frames)}).Info("stream started")

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()
	rec.markStart()
	sent := 0
	for i, frame := range frames {
		ev := protocol.TelephonyEvent{
			Event:     protocol.TelephonyMediaKind,
			StreamSID: cfg.streamSID,
			Media: &protocol.TelephonyMedia{
				Track:     "inbound",
				Timestamp: strconv.FormatInt((time.Duration(i) * cfg.interval).Milliseconds(), 10),
				Payload:   base64.StdEncoding.EncodeToString(frame),
			},
		}
		if err := conn.WriteJSON(ev); err != nil {
			if rec.closed() {
				// relay hung up first
				return sent, nil
			}
			return sent, fmt.Errorf("send media %d: %w", i, err)
		}
		sent++
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}

	select {
	case <-ctx.Done():
		return sent, ctx.Err()
	case <-time.After(cfg.linger):
	}

	if err := conn.WriteJSON(protocol.TelephonyEvent{Event: protocol.TelephonyStop, StreamSID: cfg.streamSID}); err != nil && !rec.closed() {
		return sent, fmt.Errorf("send stop: %w", err)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "probe done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return sent, nil
}

// receiver tallies what the relay sends back on the telephony leg.
type receiver struct {
	log     *logrus.Entry
	verbose bool

	mu         sync.Mutex
	started    time.Time
	firstAudio time.Duration
	media      int
	clears     int
	other      int
	malformed  int
	audio      []byte
	done       bool
}

func (r *receiver) markStart() {
	r.mu.Lock()
	r.started = time.Now()
	r.mu.Unlock()
}

func (r *receiver) closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *receiver) loop(conn *websocket.Conn) error {
	defer func() {
		r.mu.Lock()
		r.done = true
		r.mu.Unlock()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.handle(data)
	}
}

func (r *receiver) handle(data []byte) {
	var out protocol.TelephonyOutbound
	if err := json.Unmarshal(data, &out); err != nil {
		r.mu.Lock()
		r.malformed++
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch out.Event {
	case protocol.TelephonyMediaKind:
		if out.Media == nil {
			r.malformed++
			return
		}
		payload, err := base64.StdEncoding.DecodeString(out.Media.Payload)
		if err != nil {
			r.malformed++
			return
		}
		if r.media == 0 && !r.started.IsZero() {
			r.firstAudio = time.Since(r.started)
			r.log.WithField("latency", r.firstAudio).Info("first audio received")
		}
		r.media++
		r.audio = append(r.audio, payload...)
		if r.verbose {
			r.log.WithField("bytes", len(payload)).Debug("media received")
		}
	case protocol.TelephonyClearKind:
		r.clears++
		r.log.Info("clear received")
	default:
		r.other++
		r.log.WithField("event", out.Event).Debug("unexpected outbound event")
	}
}

func (r *receiver) snapshot() summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return summary{
		MediaReceived: r.media,
		BytesReceived: len(r.audio),
		Clears:        r.clears,
		Other:         r.other,
		Malformed:     r.malformed,
		FirstAudio:    r.firstAudio,
	}
}
