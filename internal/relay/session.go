// Package relay bridges one telephony media stream and one realtime AI
// connection for the lifetime of a call.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/reliability"
	"github.com/ent0n29/callbridge/internal/tools"
)

const (
	legTelephony = "telephony"
	legAI        = "ai"

	eventQueueSize  = 256
	writeQueueSize  = 256
	closeWriteWait  = time.Second
	writerDrainWait = 2 * time.Second
	shutdownWait    = time.Second
)

// ErrHandshakeIncomplete marks an AI connection that ended before the
// realtime session was created.
var ErrHandshakeIncomplete = errors.New("realtime session never created")

// Conn is one websocket leg of a call. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ToolInvoker runs a named tool. *tools.Registry satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, rawArguments string) tools.Result
}

// ToolInvocation is reported to the Observer for every finished tool run,
// including runs whose result is discarded because the call ended.
type ToolInvocation struct {
	CallID    string
	Name      string
	Arguments string
	Outcome   string
	Latency   time.Duration
	At        time.Time
}

// Observer receives call milestones. Implementations must be safe for use
// from multiple goroutines.
type Observer interface {
	StreamStarted(streamSID, callSID string)
	ToolInvoked(inv ToolInvocation)
}

type nopObserver struct{}

func (nopObserver) StreamStarted(string, string) {}
func (nopObserver) ToolInvoked(ToolInvocation)   {}

// Call identifies one relayed call.
type Call struct {
	ID       string
	Observer Observer
}

// Outcome describes how a call ended.
type Outcome struct {
	EndedBy string
	Kind    string
	Err     error
}

type Config struct {
	Machine     MachineConfig
	ToolTimeout time.Duration
	// WriteTimeout bounds every outbound frame. A leg whose write misses it
	// is treated as closed.
	WriteTimeout time.Duration
}

// Relay runs calls. It is shared by all calls; per-call state lives in the
// session created by Run.
type Relay struct {
	cfg     Config
	tools   ToolInvoker
	metrics *observability.Metrics
	log     *logrus.Entry
}

func New(cfg Config, invoker ToolInvoker, metrics *observability.Metrics, log *logrus.Entry) *Relay {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Relay{cfg: cfg, tools: invoker, metrics: metrics, log: log}
}

// SessionConfig builds the session.update payload from the registered tools.
func SessionConfig(voice, instructions string, temperature float64, decls []tools.Declaration) protocol.Session {
	out := make([]protocol.ToolDeclaration, 0, len(decls))
	for _, d := range decls {
		out = append(out, protocol.ToolDeclaration{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return protocol.Session{
		TurnDetection:     &protocol.TurnDetection{Type: "server_vad"},
		InputAudioFormat:  protocol.AudioFormatG711ULaw,
		OutputAudioFormat: protocol.AudioFormatG711ULaw,
		Voice:             voice,
		Instructions:      instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       temperature,
		Tools:             out,
		ToolChoice:        "auto",
	}
}

// Run relays one call until either leg closes or ctx is canceled. Both
// connections are closed when it returns. The AI connection must already be
// established.
func (r *Relay) Run(ctx context.Context, call Call, telephony, ai Conn) Outcome {
	if call.Observer == nil {
		call.Observer = nopObserver{}
	}
	ctx, span := observability.StartSpan(ctx, "relay.call", attribute.String("session.id", call.ID))
	defer span.End()

	s := &callSession{
		relay:     r,
		call:      call,
		machine:   NewMachine(r.cfg.Machine),
		telephony: telephony,
		ai:        ai,
		events:    make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
		telOut:    newWriter(legTelephony, telephony),
		aiOut:     newWriter(legAI, ai),
		stopDelay: make(chan struct{}),
		log:       r.log.WithField("session_id", call.ID),
		openedAt:  time.Now(),
	}
	out := s.run(ctx)
	if out.Err != nil {
		observability.RecordError(span, out.Err)
	}
	span.SetAttributes(attribute.String("relay.ended_by", out.EndedBy), attribute.String("relay.end_kind", out.Kind))
	return out
}

type outbound struct {
	payload  []byte
	delay    time.Duration
	closeMsg bool
}

// writer owns the outbound side of one leg. dead is closed once a write
// fails so senders stop queueing behind it.
type writer struct {
	leg  string
	conn Conn
	ch   chan outbound
	dead chan struct{}
}

func newWriter(leg string, conn Conn) *writer {
	return &writer{leg: leg, conn: conn, ch: make(chan outbound, writeQueueSize), dead: make(chan struct{})}
}

type callSession struct {
	relay   *Relay
	call    Call
	machine *Machine
	log     *logrus.Entry

	telephony Conn
	ai        Conn

	events    chan Event
	done      chan struct{}
	telOut    *writer
	aiOut     *writer
	stopDelay chan struct{}

	openedAt       time.Time
	streamStartAt  time.Time
	sawFirstOutput bool
}

func (s *callSession) run(ctx context.Context) Outcome {
	m := s.relay.metrics
	m.CountSessionEvent("started")

	var writers sync.WaitGroup
	writers.Add(2)
	go s.writeLoop(&writers, s.telOut)
	go s.writeLoop(&writers, s.aiOut)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.readTelephony(&readers)
	go s.readAI(&readers)

	out := s.loop(ctx)

	close(s.done)
	close(s.stopDelay)
	close(s.telOut.ch)
	close(s.aiOut.ch)

	drained := make(chan struct{})
	go func() {
		writers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(writerDrainWait):
		s.log.Warn("writers did not drain before close")
	}
	_ = s.telephony.Close()
	_ = s.ai.Close()
	readers.Wait()
	writers.Wait()

	m.CountSessionEvent("ended")
	s.log.WithFields(logrus.Fields{
		"ended_by": out.EndedBy,
		"kind":     out.Kind,
	}).Info("call ended")
	return out
}

func (s *callSession) loop(ctx context.Context) Outcome {
	s.execute(ctx, s.machine.Handle(AIOpened{}))
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownWait)
			s.execute(sctx, s.machine.Handle(Shutdown{}))
			cancel()
			return Outcome{EndedBy: "shutdown", Kind: reliability.ClassifyDisconnect(ctx.Err()), Err: ctx.Err()}
		case ev := <-s.events:
			s.observe(ev)
			cmds := s.machine.Handle(ev)
			if len(cmds) == 0 {
				s.unanswered(ev)
			}
			s.execute(ctx, cmds)
			if s.machine.State() != StateClosed {
				continue
			}
			switch e := ev.(type) {
			case TelephonyClosed:
				return s.ended(legTelephony, e.Err)
			case AIClosed:
				return s.ended(legAI, e.Err)
			case AIFailed:
				out := s.ended(legAI, e.Err)
				out.Err = e.Err
				return out
			}
			return Outcome{EndedBy: "relay", Kind: reliability.DisconnectNormal}
		}
	}
}

func (s *callSession) ended(leg string, err error) Outcome {
	kind := reliability.ClassifyDisconnect(err)
	s.relay.metrics.CountDisconnect(leg, kind)
	out := Outcome{EndedBy: leg, Kind: kind}
	if kind != reliability.DisconnectNormal && kind != reliability.DisconnectGoingAway {
		out.Err = err
	}
	return out
}

// observe records side effects of an event that are not machine state.
func (s *callSession) observe(ev Event) {
	switch e := ev.(type) {
	case SessionCreated:
		if s.machine.State() == StateAwaitingAISession {
			s.relay.metrics.ObserveStage(observability.StageOpenToSessionCreated, time.Since(s.openedAt))
		}
	case StreamStarted:
		if s.machine.StreamSID() == "" && e.StreamSID != "" {
			s.streamStartAt = time.Now()
			s.log.WithFields(logrus.Fields{
				"stream_sid": e.StreamSID,
				"call_sid":   e.CallSID,
			}).Info("media stream started")
			s.call.Observer.StreamStarted(e.StreamSID, e.CallSID)
		}
	}
}

// unanswered accounts for events the machine chose not to act on.
func (s *callSession) unanswered(ev Event) {
	m := s.relay.metrics
	switch e := ev.(type) {
	case TelephonyAudio:
		m.CountDroppedFrame(legAI, "ai_not_configured")
	case AIAudioDelta:
		if s.machine.StreamSID() == "" {
			m.ObserveIndicator("audio_before_stream")
			if s.relay.cfg.Machine.PendingAudioLimit == 0 {
				m.CountDroppedFrame(legTelephony, "stream_not_started")
			}
		}
	case FunctionCallRequested:
		s.log.WithField("call_id", e.CallID).Debug("ignoring repeated or early function call")
		m.ObserveIndicator("tool_call_ignored")
	}
}

// post queues an event for the machine unless the session has finished.
func (s *callSession) post(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *callSession) execute(ctx context.Context, cmds []Command) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case SendSessionUpdate:
			s.send(ctx, s.aiOut, c.Update, c.Delay)
		case SendResponseCreate:
			s.send(ctx, s.aiOut, protocol.ResponseCreate(c.Instructions), 0)
		case InvokeTool:
			s.invoke(ctx, c)
		case SendToolResult:
			s.send(ctx, s.aiOut, protocol.FunctionCallOutput(c.CallID, c.Output), 0)
			s.send(ctx, s.aiOut, protocol.ResponseCreate(c.ResumeInstructions), 0)
		case ForwardToAI:
			s.sendAudio(s.aiOut, protocol.AudioAppendFromTelephony(protocol.TelephonyMedia{Payload: c.Payload}))
		case ForwardToTelephony:
			if !s.sawFirstOutput && !s.streamStartAt.IsZero() {
				s.sawFirstOutput = true
				s.relay.metrics.ObserveStage(observability.StageStartToFirstAudio, time.Since(s.streamStartAt))
			}
			s.sendAudio(s.telOut, protocol.TelephonyMediaFromDelta(c.StreamSID, c.Payload))
		case ClearTelephony:
			s.relay.metrics.ObserveIndicator("barge_in")
			s.send(ctx, s.telOut, protocol.TelephonyClear(c.StreamSID), 0)
		case CloseAI:
			s.sendClose(ctx, s.aiOut)
		case CloseTelephony:
			s.sendClose(ctx, s.telOut)
		}
	}
}

func (s *callSession) send(ctx context.Context, w *writer, v any, delay time.Duration) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).WithField("leg", w.leg).Error("encode outbound event")
		return
	}
	s.enqueue(ctx, w, outbound{payload: b, delay: delay})
}

// sendAudio never blocks the event loop; a saturated writer loses the frame.
func (s *callSession) sendAudio(w *writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).WithField("leg", w.leg).Error("encode audio frame")
		return
	}
	select {
	case <-w.dead:
		s.relay.metrics.CountDroppedFrame(w.leg, "writer_failed")
	case w.ch <- outbound{payload: b}:
	default:
		s.relay.metrics.CountDroppedFrame(w.leg, "writer_saturated")
	}
}

func (s *callSession) sendClose(ctx context.Context, w *writer) {
	s.enqueue(ctx, w, outbound{closeMsg: true})
}

func (s *callSession) enqueue(ctx context.Context, w *writer, out outbound) {
	select {
	case w.ch <- out:
		return
	default:
	}
	select {
	case w.ch <- out:
	case <-w.dead:
	case <-ctx.Done():
		s.log.WithField("leg", w.leg).Warn("outbound frame abandoned")
	}
}

func (s *callSession) invoke(ctx context.Context, c InvokeTool) {
	log := s.log.WithFields(logrus.Fields{"call_id": c.CallID, "tool": c.Name})
	log.Info("invoking tool")
	// The tool outlives call cancellation; its result is dropped by the
	// machine if the call has closed.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.relay.cfg.ToolTimeout)
	go func() {
		defer cancel()
		tctx, span := observability.StartSpan(tctx, "tool.invoke",
			attribute.String("tool.name", c.Name),
			attribute.String("tool.call_id", c.CallID),
		)
		defer span.End()

		start := time.Now()
		res := invokeWithDeadline(tctx, s.relay.tools, c.Name, c.Arguments)
		elapsed := time.Since(start)

		s.relay.metrics.ObserveToolInvocation(c.Name, res.Outcome(), elapsed)
		span.SetAttributes(attribute.String("tool.outcome", res.Outcome()))
		if !res.OK() {
			observability.RecordError(span, errors.New(res.Failure.Message))
			log.WithField("code", res.Failure.Code).Warn(res.Failure.Message)
		} else {
			log.WithField("latency_ms", elapsed.Milliseconds()).Info("tool completed")
		}
		s.call.Observer.ToolInvoked(ToolInvocation{
			CallID:    c.CallID,
			Name:      c.Name,
			Arguments: c.Arguments,
			Outcome:   res.Outcome(),
			Latency:   elapsed,
			At:        start,
		})
		if !s.post(ToolCompleted{CallID: c.CallID, Output: res.Payload()}) {
			log.Info("call ended before tool result was delivered")
		}
	}()
}

// invokeWithDeadline returns a failure when the tool outlasts ctx, even if
// the tool itself ignores cancellation.
func invokeWithDeadline(ctx context.Context, invoker ToolInvoker, name, args string) tools.Result {
	if invoker == nil {
		return tools.Result{Failure: &tools.Failure{Code: tools.CodeUnknownTool, Message: "no tools registered"}}
	}
	ch := make(chan tools.Result, 1)
	go func() { ch <- invoker.Invoke(ctx, name, args) }()
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return tools.Result{Failure: &tools.Failure{
			Code:    tools.CodeExecutionFailed,
			Message: "tool " + name + ": " + ctx.Err().Error(),
		}}
	}
}

func (s *callSession) writeLoop(wg *sync.WaitGroup, w *writer) {
	defer wg.Done()
	leg, conn := w.leg, w.conn
	failed := false
	closed := false
	for out := range w.ch {
		if failed || closed {
			continue
		}
		if out.delay > 0 {
			t := time.NewTimer(out.delay)
			select {
			case <-t.C:
			case <-s.stopDelay:
				t.Stop()
			}
		}
		if out.closeMsg {
			closed = true
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)); err != nil {
				s.log.WithError(err).WithField("leg", leg).Debug("write close frame")
			}
			continue
		}
		err := conn.SetWriteDeadline(time.Now().Add(s.relay.cfg.WriteTimeout))
		if err == nil {
			err = conn.WriteMessage(websocket.TextMessage, out.payload)
		}
		if err != nil {
			failed = true
			close(w.dead)
			s.log.WithError(err).WithField("leg", leg).Warn("write failed, closing leg")
			s.writeFailed(leg, err)
			continue
		}
		s.relay.metrics.CountMessage(leg, "out", "text")
	}
}

// writeFailed reports a broken outbound side as the leg closing.
func (s *callSession) writeFailed(leg string, err error) {
	err = fmt.Errorf("write %s: %w", leg, err)
	if leg == legAI {
		s.post(AIClosed{Err: err})
		return
	}
	s.post(TelephonyClosed{Err: err})
}

func (s *callSession) readTelephony(wg *sync.WaitGroup) {
	defer wg.Done()
	m := s.relay.metrics
	for {
		_, raw, err := s.telephony.ReadMessage()
		if err != nil {
			s.post(TelephonyClosed{Err: err})
			return
		}
		ev, err := protocol.ParseTelephonyEvent(raw)
		if err != nil {
			m.CountMalformed(legTelephony)
			s.log.WithError(err).Warn("dropping malformed telephony event")
			continue
		}
		m.CountMessage(legTelephony, "in", string(ev.Event))

		switch ev.Event {
		case protocol.TelephonyStartKind:
			start := protocol.TelephonyStart{StreamSID: ev.StreamSID}
			if ev.Start != nil {
				start = *ev.Start
				if start.StreamSID == "" {
					start.StreamSID = ev.StreamSID
				}
			}
			s.post(StreamStarted{StreamSID: start.StreamSID, CallSID: start.CallSID})
		case protocol.TelephonyMediaKind:
			if ev.Media == nil {
				continue
			}
			if !s.post(TelephonyAudio{Payload: ev.Media.Payload}) {
				return
			}
		case protocol.TelephonyMark:
			if ev.Mark != nil {
				s.log.WithField("mark", ev.Mark.Name).Debug("telephony mark")
			}
		case protocol.TelephonyDTMF:
			if ev.DTMF != nil {
				s.log.WithField("digit", ev.DTMF.Digit).Info("telephony dtmf")
			}
		case protocol.TelephonyConnected, protocol.TelephonyStop:
			s.log.WithField("event", ev.Event).Info("telephony event")
		default:
			s.log.WithField("event", ev.Event).Debug("ignoring telephony event")
		}
	}
}

func (s *callSession) readAI(wg *sync.WaitGroup) {
	defer wg.Done()
	m := s.relay.metrics
	created := false
	for {
		_, raw, err := s.ai.ReadMessage()
		if err != nil {
			if !created {
				s.post(AIFailed{Err: fmt.Errorf("%w: %w", ErrHandshakeIncomplete, err)})
				return
			}
			s.post(AIClosed{Err: err})
			return
		}
		ev, err := protocol.ParseServerEvent(raw)
		if err != nil {
			m.CountMalformed(legAI)
			s.log.WithError(err).Warn("dropping malformed realtime event")
			continue
		}
		m.CountMessage(legAI, "in", string(ev.Type))
		if protocol.ShouldLogServerEvent(ev.Type) {
			s.log.WithField("type", ev.Type).Debug("realtime event")
		}

		var next Event
		switch ev.Type {
		case protocol.ServerSessionCreated:
			created = true
			next = SessionCreated{}
		case protocol.ServerSessionUpdated:
			next = SessionUpdated{}
		case protocol.ServerAudioDelta:
			next = AIAudioDelta{Delta: ev.Delta}
		case protocol.ServerFunctionCallArgsDone:
			next = FunctionCallRequested{CallID: ev.CallID, ItemID: ev.ItemID, Name: ev.Name, Arguments: ev.Arguments}
		case protocol.ServerSpeechStarted:
			next = SpeechStarted{}
		case protocol.ServerErrorEvent:
			if ev.Error != nil {
				s.log.WithFields(logrus.Fields{
					"code":  ev.Error.Code,
					"param": ev.Error.Param,
				}).Warn("realtime error: " + ev.Error.Message)
			}
		}
		if next != nil && !s.post(next) {
			return
		}
	}
}
