package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/reliability"
)

// echoRelay answers every media frame with the same payload and sends one
// clear after the second frame.
func echoRelay(t *testing.T) http.HandlerFunc {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var streamSID string
		media := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := protocol.ParseTelephonyEvent(data)
			if err != nil {
				continue
			}
			switch ev.Event {
			case protocol.TelephonyStartKind:
				streamSID = ev.Start.StreamSID
			case protocol.TelephonyMediaKind:
				media++
				_ = conn.WriteJSON(protocol.TelephonyMediaFromDelta(streamSID, ev.Media.Payload))
				if media == 2 {
					_ = conn.WriteJSON(protocol.TelephonyClear(streamSID))
				}
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(t *testing.T, url string) options {
	t.Helper()
	cfg, err := parseFlags([]string{
		"-url", url,
		"-frames", "5",
		"-interval", "5ms",
		"-linger", "50ms",
		"-timeout", "10s",
		"-retry-base", "1ms",
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	return cfg
}

func TestRunAgainstEchoRelay(t *testing.T) {
	srv := httptest.NewServer(echoRelay(t))
	defer srv.Close()

	cfg := testOptions(t, wsURL(srv))
	cfg.recordOut = filepath.Join(t.TempDir(), "received.wav")

	sum, err := run(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if sum.FramesSent != 5 || sum.MediaReceived != 5 {
		t.Fatalf("sent=%d received=%d, want 5/5", sum.FramesSent, sum.MediaReceived)
	}
	if sum.BytesReceived != 5*40 {
		t.Fatalf("BytesReceived = %d, want 200", sum.BytesReceived)
	}
	if sum.Clears != 1 {
		t.Fatalf("Clears = %d, want 1", sum.Clears)
	}
	if sum.DialAttempts != 1 {
		t.Fatalf("DialAttempts = %d, want 1", sum.DialAttempts)
	}
	if sum.CloseKind != reliability.DisconnectNormal {
		t.Fatalf("CloseKind = %q, want %q", sum.CloseKind, reliability.DisconnectNormal)
	}
	if sum.FirstAudio <= 0 {
		t.Fatalf("FirstAudio = %v, want > 0", sum.FirstAudio)
	}

	data, err := os.ReadFile(cfg.recordOut)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if rate != audio.TelephonySampleRate || len(pcm) != 400 {
		t.Fatalf("recording rate=%d len=%d, want 8000/400", rate, len(pcm))
	}
}

func TestDialRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	relay := echoRelay(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		relay(w, r)
	}))
	defer srv.Close()

	cfg := testOptions(t, wsURL(srv))
	sum, err := run(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if sum.DialAttempts != 2 {
		t.Fatalf("DialAttempts = %d, want 2", sum.DialAttempts)
	}
}

func TestDialStopsOnPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"ai_unavailable"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testOptions(t, wsURL(srv))
	if _, err := run(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("run() should fail on 404")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("dial attempts = %d, want 1", got)
	}
}

func TestParseFlagsValidation(t *testing.T) {
	if _, err := parseFlags([]string{"-url", "http://localhost/media-stream"}); err == nil {
		t.Fatalf("expected error for non-websocket url")
	}
	if _, err := parseFlags([]string{"-frames", "0"}); err == nil {
		t.Fatalf("expected error for zero frames")
	}
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags(nil) error = %v", err)
	}
	if !strings.HasPrefix(cfg.streamSID, "MZ") || !strings.HasPrefix(cfg.callSID, "CA") {
		t.Fatalf("generated ids = %q/%q", cfg.streamSID, cfg.callSID)
	}
	if cfg.interval != 20*time.Millisecond {
		t.Fatalf("interval = %v, want 20ms", cfg.interval)
	}
}

func TestLoadFramesFromWAV(t *testing.T) {
	pcm := make([]byte, 1280) // 40ms at 16kHz
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "in.wav")
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	frames, err := loadFrames(options{wavIn: path, interval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("loadFrames() error = %v", err)
	}
	if len(frames) != 2 || len(frames[0]) != 160 {
		t.Fatalf("frames = %d x %d, want 2 x 160", len(frames), len(frames[0]))
	}
	if frames[0][0] != audio.MuLawSilence {
		t.Fatalf("silent pcm encoded as %#x", frames[0][0])
	}
}

func TestReceiverCountsMalformed(t *testing.T) {
	rec := &receiver{log: logging.Discard()}
	rec.handle([]byte(`not json`))
	rec.handle([]byte(`{"event":"media","streamSid":"MZ1","media":{"payload":"%%%"}}`))
	b, _ := json.Marshal(protocol.TelephonyOutbound{Event: "mark", StreamSID: "MZ1"})
	rec.handle(b)
	sum := rec.snapshot()
	if sum.Malformed != 2 || sum.Other != 1 || sum.MediaReceived != 0 {
		t.Fatalf("snapshot = %+v", sum)
	}
}
