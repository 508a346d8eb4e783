package relay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/reliability"
	"github.com/ent0n29/callbridge/internal/tools"
)

const waitFor = 2 * time.Second

type recordingObserver struct {
	mu      sync.Mutex
	streams []string
	tools   []ToolInvocation
	started chan string
	invoked chan ToolInvocation
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{started: make(chan string, 4), invoked: make(chan ToolInvocation, 4)}
}

func (o *recordingObserver) StreamStarted(streamSID, _ string) {
	o.mu.Lock()
	o.streams = append(o.streams, streamSID)
	o.mu.Unlock()
	o.started <- streamSID
}

func (o *recordingObserver) ToolInvoked(inv ToolInvocation) {
	o.mu.Lock()
	o.tools = append(o.tools, inv)
	o.mu.Unlock()
	o.invoked <- inv
}

type harness struct {
	t         *testing.T
	telephony *fakeConn
	ai        *fakeConn
	observer  *recordingObserver
	cancel    context.CancelFunc
	done      chan Outcome
	finished  chan struct{}
}

func startCall(t *testing.T, cfg Config, invoker ToolInvoker) *harness {
	t.Helper()
	r := New(cfg, invoker, nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:         t,
		telephony: newFakeConn(),
		ai:        newFakeConn(),
		observer:  newRecordingObserver(),
		cancel:    cancel,
		done:      make(chan Outcome, 1),
		finished:  make(chan struct{}),
	}
	go func() {
		defer close(h.finished)
		h.done <- r.Run(ctx, Call{ID: "call-test", Observer: h.observer}, h.telephony, h.ai)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.finished:
		case <-time.After(waitFor):
		}
	})
	return h
}

func (h *harness) wait() Outcome {
	h.t.Helper()
	select {
	case out := <-h.done:
		return out
	case <-time.After(waitFor):
		h.t.Fatal("call did not end")
		return Outcome{}
	}
}

// configure completes the AI handshake and waits for the greeting.
func (h *harness) configure() {
	h.t.Helper()
	h.ai.send(`{"type":"session.created"}`)
	require.Eventually(h.t, func() bool {
		return len(h.ai.framesOf("response.create")) == 1
	}, waitFor, 5*time.Millisecond)
}

// startStream sends the telephony start event and waits until the relay has
// taken it; everything sent on the telephony leg before it is processed too.
func (h *harness) startStream(sid string) {
	h.t.Helper()
	h.telephony.send(map[string]any{"event": "start", "start": map[string]any{"streamSid": sid, "callSid": "CA-call"}})
	select {
	case got := <-h.observer.started:
		require.Equal(h.t, sid, got)
	case <-time.After(waitFor):
		h.t.Fatal("stream start not observed")
	}
}

func baseConfig() Config {
	return Config{
		Machine: MachineConfig{
			Session: SessionConfig("alloy", "be brief", 0.8, tools.Builtin().Declarations()),
		},
		ToolTimeout: time.Second,
	}
}

func TestRelayHandshakeSendsConfigurationTwiceThenGreeting(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()

	frames := h.ai.frames()
	require.Len(t, frames, 3)
	assert.Equal(t, "session.update", frames[0]["type"])
	assert.Equal(t, "session.update", frames[1]["type"])
	assert.Equal(t, "response.create", frames[2]["type"])

	session := frames[0]["session"].(map[string]any)
	assert.Equal(t, "g711_ulaw", session["input_audio_format"])
	assert.Equal(t, "g711_ulaw", session["output_audio_format"])
	assert.Equal(t, "server_vad", session["turn_detection"].(map[string]any)["type"])
	declared := session["tools"].([]any)
	require.Len(t, declared, 1)
	assert.Equal(t, "getMetallicaAlbums", declared[0].(map[string]any)["name"])
	assert.Equal(t, "function", declared[0].(map[string]any)["type"])
}

func TestRelayWaitsSettleDelayBeforeConfiguring(t *testing.T) {
	cfg := baseConfig()
	cfg.Machine.SettleDelay = 80 * time.Millisecond
	began := time.Now()
	h := startCall(t, cfg, tools.Builtin())

	require.Eventually(t, func() bool { return len(h.ai.frames()) > 0 }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.ai.firstWriteAt().Sub(began), 80*time.Millisecond)
}

func TestRelayForwardsAIAudioStampedWithStreamSID(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()
	h.startStream("CA123")

	h.ai.send(`{"type":"response.audio.delta","delta":"QUJD"}`)
	require.Eventually(t, func() bool {
		return len(h.telephony.framesOf("media")) == 1
	}, waitFor, 5*time.Millisecond)

	media := h.telephony.framesOf("media")[0]
	assert.Equal(t, "CA123", media["streamSid"])
	assert.Equal(t, "QUJD", media["media"].(map[string]any)["payload"])
}

func TestRelayForwardsTelephonyAudioOnlyWhenConfigured(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())

	h.telephony.send(`{"event":"media","media":{"payload":"early"}}`)
	h.startStream("MZ1")
	h.configure()

	h.telephony.send(`{"event":"media","media":{"payload":"f/9/fw=="}}`)
	require.Eventually(t, func() bool {
		return len(h.ai.framesOf("input_audio_buffer.append")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "f/9/fw==", h.ai.framesOf("input_audio_buffer.append")[0]["audio"])
}

func TestRelayMalformedPayloadsAreDropped(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.ai.send("{not json")
	h.telephony.send("<xml/>")
	h.configure()
	h.startStream("MZ1")

	h.ai.send(`{"type":"response.audio.delta","delta":"AAAA"}`)
	require.Eventually(t, func() bool {
		return len(h.telephony.framesOf("media")) == 1
	}, waitFor, 5*time.Millisecond)
}

func TestRelayToolCallInjectsResultAndResumes(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()

	call := `{"type":"response.function_call_arguments.done","name":"getMetallicaAlbums","arguments":"{\"limit\":2}","call_id":"c1","item_id":"i1"}`
	h.ai.send(call)
	h.ai.send(call)

	require.Eventually(t, func() bool {
		return len(h.ai.framesOf("response.create")) == 2
	}, waitFor, 5*time.Millisecond)

	select {
	case inv := <-h.observer.invoked:
		assert.Equal(t, "c1", inv.CallID)
		assert.Equal(t, "ok", inv.Outcome)
	case <-time.After(waitFor):
		t.Fatal("tool invocation not observed")
	}

	h.telephony.hangUp()
	out := h.wait()
	assert.Equal(t, legTelephony, out.EndedBy)

	items := h.ai.framesOf("conversation.item.create")
	require.Len(t, items, 1)
	item := items[0]["item"].(map[string]any)
	assert.Equal(t, "function_call_output", item["type"])
	assert.Equal(t, "c1", item["call_id"])

	var result struct {
		Albums []tools.Album `json:"albums"`
	}
	require.NoError(t, json.Unmarshal([]byte(item["output"].(string)), &result))
	assert.Len(t, result.Albums, 2)

	frames := h.ai.frames()
	last := frames[len(frames)-1]
	assert.Equal(t, "response.create", last["type"])
	assert.Equal(t, "conversation.item.create", frames[len(frames)-2]["type"])
	assert.Equal(t, DefaultResumeInstructions, last["response"].(map[string]any)["instructions"])
}

func TestRelayUnknownToolStillAnswersModel(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()

	h.ai.send(`{"type":"response.function_call_arguments.done","name":"nope","arguments":"{}","call_id":"c2"}`)
	require.Eventually(t, func() bool {
		return len(h.ai.framesOf("conversation.item.create")) == 1
	}, waitFor, 5*time.Millisecond)

	item := h.ai.framesOf("conversation.item.create")[0]["item"].(map[string]any)
	assert.Contains(t, item["output"], tools.CodeUnknownTool)
}

type blockingInvoker struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingInvoker) Invoke(context.Context, string, string) tools.Result {
	close(b.started)
	<-b.release
	return tools.Result{Output: json.RawMessage(`{"late":true}`)}
}

func TestRelayDiscardsToolResultAfterAIClose(t *testing.T) {
	inv := &blockingInvoker{started: make(chan struct{}), release: make(chan struct{})}
	cfg := baseConfig()
	cfg.ToolTimeout = waitFor
	h := startCall(t, cfg, inv)
	h.configure()
	h.startStream("MZ1")

	h.ai.send(`{"type":"response.function_call_arguments.done","name":"slow","arguments":"{}","call_id":"c1"}`)
	select {
	case <-inv.started:
	case <-time.After(waitFor):
		t.Fatal("tool not started")
	}

	h.ai.hangUp()
	out := h.wait()
	assert.Equal(t, legAI, out.EndedBy)
	assert.NoError(t, out.Err)
	assert.Equal(t, 1, h.telephony.closeFrameCount(), "telephony leg closed gracefully")

	close(inv.release)
	select {
	case got := <-h.observer.invoked:
		assert.Equal(t, "c1", got.CallID)
	case <-time.After(waitFor):
		t.Fatal("tool did not finish")
	}

	assert.Empty(t, h.ai.framesOf("conversation.item.create"))
	assert.Zero(t, h.ai.writesAfterClose())
}

func TestRelayTelephonyHangupClosesAI(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()
	h.telephony.hangUp()

	out := h.wait()
	assert.Equal(t, legTelephony, out.EndedBy)
	assert.Equal(t, 1, h.ai.closeFrameCount())
	assert.Zero(t, h.telephony.closeFrameCount())
}

func TestRelayShutdownClosesBothLegs(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()
	h.cancel()

	out := h.wait()
	assert.Equal(t, "shutdown", out.EndedBy)
	assert.Equal(t, 1, h.ai.closeFrameCount())
	assert.Equal(t, 1, h.telephony.closeFrameCount())
}

func TestRelayBargeInClearsTelephony(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()
	h.startStream("MZ9")

	h.ai.send(`{"type":"input_audio_buffer.speech_started"}`)
	require.Eventually(t, func() bool {
		return len(h.telephony.framesOf("clear")) == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "MZ9", h.telephony.framesOf("clear")[0]["streamSid"])
}

type sleepyInvoker struct{}

func (sleepyInvoker) Invoke(ctx context.Context, _, _ string) tools.Result {
	time.Sleep(time.Second)
	return tools.Result{Output: json.RawMessage(`1`)}
}

func TestInvokeWithDeadlineReportsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := invokeWithDeadline(ctx, sleepyInvoker{}, "sleepy", "{}")
	require.False(t, res.OK())
	assert.Equal(t, tools.CodeExecutionFailed, res.Failure.Code)
}

func TestRelayShutdownReturnsWithStuckAIWriter(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	h.configure()
	h.ai.stall()
	h.startStream("MZ1")

	for i := 0; i < 400; i++ {
		h.telephony.send(`{"event":"media","media":{"payload":"f/9/fw=="}}`)
	}
	h.cancel()

	select {
	case out := <-h.done:
		assert.Equal(t, "shutdown", out.EndedBy)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel with a stuck AI writer")
	}
	assert.Equal(t, 1, h.telephony.closeFrameCount())
}

func TestRelayWriteTimeoutEndsCall(t *testing.T) {
	cfg := baseConfig()
	cfg.WriteTimeout = 50 * time.Millisecond
	h := startCall(t, cfg, tools.Builtin())
	h.configure()
	assert.GreaterOrEqual(t, h.ai.deadlinesSet(), 3, "every handshake frame carries a write deadline")

	h.ai.stall()
	h.startStream("MZ1")
	h.telephony.send(`{"event":"media","media":{"payload":"f/9/fw=="}}`)

	out := h.wait()
	assert.Equal(t, legAI, out.EndedBy)
	assert.Equal(t, reliability.DisconnectTimeout, out.Kind)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, os.ErrDeadlineExceeded)
	assert.Equal(t, 1, h.telephony.closeFrameCount())
	assert.Zero(t, h.ai.closeFrameCount())
}

func TestRelayTelephonyWriteFailureClosesAI(t *testing.T) {
	cfg := baseConfig()
	cfg.WriteTimeout = 50 * time.Millisecond
	h := startCall(t, cfg, tools.Builtin())
	h.configure()
	h.startStream("MZ1")
	h.telephony.stall()

	h.ai.send(`{"type":"response.audio.delta","delta":"QUJD"}`)

	out := h.wait()
	assert.Equal(t, legTelephony, out.EndedBy)
	assert.Equal(t, reliability.DisconnectTimeout, out.Kind)
	assert.Equal(t, 1, h.ai.closeFrameCount())
}

func TestRelayAIClosedBeforeSessionCreatedFails(t *testing.T) {
	h := startCall(t, baseConfig(), tools.Builtin())
	require.Eventually(t, func() bool {
		return len(h.ai.framesOf("session.update")) > 0
	}, waitFor, 5*time.Millisecond)

	h.ai.hangUp()

	out := h.wait()
	assert.Equal(t, legAI, out.EndedBy)
	require.Error(t, out.Err)
	assert.True(t, errors.Is(out.Err, ErrHandshakeIncomplete), "err = %v", out.Err)
	assert.Equal(t, 1, h.telephony.closeFrameCount())
}
