package relay

import (
	"time"

	"github.com/ent0n29/callbridge/internal/protocol"
)

// State is the lifecycle phase of one call.
type State int

const (
	StateInitializing State = iota
	StateAwaitingAISession
	StateActive
	StateToolPending
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingAISession:
		return "awaiting_ai_session"
	case StateActive:
		return "active"
	case StateToolPending:
		return "tool_pending"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type AIConnState int

const (
	AIConnecting AIConnState = iota
	AIOpen
	AIConfigured
	AIClosedState
	AIFailedState
)

func (s AIConnState) String() string {
	switch s {
	case AIConnecting:
		return "connecting"
	case AIOpen:
		return "open"
	case AIConfigured:
		return "configured"
	case AIClosedState:
		return "closed"
	case AIFailedState:
		return "failed"
	default:
		return "unknown"
	}
}

type TelephonyConnState int

const (
	TelephonyOpenState TelephonyConnState = iota
	TelephonyClosedState
)

// Event is an input to Machine.Handle.
type Event interface{ event() }

type (
	AIOpened       struct{}
	AIFailed       struct{ Err error }
	SessionCreated struct{}
	SessionUpdated struct{}
	StreamStarted  struct{ StreamSID, CallSID string }
	TelephonyAudio struct{ Payload string }
	AIAudioDelta   struct{ Delta string }

	// FunctionCallRequested is a completed function-call-arguments event.
	FunctionCallRequested struct{ CallID, ItemID, Name, Arguments string }

	// ToolCompleted carries the rendered tool result for CallID.
	ToolCompleted struct{ CallID, Output string }

	SpeechStarted   struct{}
	TelephonyClosed struct{ Err error }
	AIClosed        struct{ Err error }

	// Shutdown ends the call from this side, closing both legs.
	Shutdown struct{}
)

func (AIOpened) event() {}
func (AIFailed) event() {}
func (SessionCreated) event() {}
func (SessionUpdated) event() {}
func (StreamStarted) event() {}
func (TelephonyAudio) event() {}
func (AIAudioDelta) event() {}
func (FunctionCallRequested) event() {}
func (ToolCompleted) event() {}
func (SpeechStarted) event() {}
func (TelephonyClosed) event() {}
func (AIClosed) event() {}
func (Shutdown) event() {}

// Command is an output of Machine.Handle. The caller must execute commands
// in the order they are returned.
type Command interface{ command() }

type (
	// SendSessionUpdate is written to the AI leg after waiting Delay.
	SendSessionUpdate struct {
		Delay  time.Duration
		Update protocol.SessionUpdateEvent
	}

	SendResponseCreate struct{ Instructions string }
	InvokeTool         struct{ CallID, Name, Arguments string }

	// SendToolResult is a function_call_output item followed by a
	// response.create carrying ResumeInstructions.
	SendToolResult struct {
		CallID             string
		Output             string
		ResumeInstructions string
	}

	ForwardToAI        struct{ Payload string }
	ForwardToTelephony struct{ StreamSID, Payload string }
	ClearTelephony     struct{ StreamSID string }
	CloseAI            struct{}
	CloseTelephony     struct{}
)

func (SendSessionUpdate) command() {}
func (SendResponseCreate) command() {}
func (InvokeTool) command() {}
func (SendToolResult) command() {}
func (ForwardToAI) command() {}
func (ForwardToTelephony) command() {}
func (ClearTelephony) command() {}
func (CloseAI) command() {}
func (CloseTelephony) command() {}

const (
	DefaultGreeting           = "Greet the caller briefly and ask how you can help."
	DefaultResumeInstructions = "Respond to the user using the function result."
)

type MachineConfig struct {
	Session            protocol.Session
	Greeting           string
	ResumeInstructions string
	SettleDelay        time.Duration
	// PendingAudioLimit bounds AI audio kept while the stream id is unknown.
	// Zero drops such audio.
	PendingAudioLimit int
}

// PendingCall is an in-flight tool invocation.
type PendingCall struct {
	Name      string
	Arguments string
	ItemID    string
}

// Machine is the relay state for one call. It performs no I/O and is not
// safe for concurrent use; one goroutine feeds it every event in order.
type Machine struct {
	cfg       MachineConfig
	state     State
	ai        AIConnState
	telephony TelephonyConnState
	streamSID string
	pending   map[string]PendingCall
	seen      map[string]struct{}
	early     []string
}

func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.ResumeInstructions == "" {
		cfg.ResumeInstructions = DefaultResumeInstructions
	}
	if cfg.PendingAudioLimit < 0 {
		cfg.PendingAudioLimit = 0
	}
	return &Machine{
		cfg:     cfg,
		state:   StateInitializing,
		ai:      AIConnecting,
		pending: make(map[string]PendingCall),
		seen:    make(map[string]struct{}),
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) AIState() AIConnState { return m.ai }
func (m *Machine) TelephonyState() TelephonyConnState { return m.telephony }
func (m *Machine) StreamSID() string { return m.streamSID }
func (m *Machine) PendingCalls() int { return len(m.pending) }

// Pending returns the in-flight invocation for callID, if any.
func (m *Machine) Pending(callID string) (PendingCall, bool) {
	pc, ok := m.pending[callID]
	return pc, ok
}

// Handle applies one event and returns the commands it produces.
func (m *Machine) Handle(ev Event) []Command {
	if m.state == StateClosed {
		return nil
	}
	switch e := ev.(type) {
	case AIOpened:
		return m.onAIOpened()
	case AIFailed:
		m.ai = AIFailedState
		return m.close(false)
	case SessionCreated:
		return m.onSessionCreated()
	case SessionUpdated:
		if m.ai == AIOpen {
			m.ai = AIConfigured
		}
		return nil
	case StreamStarted:
		return m.onStreamStarted(e)
	case TelephonyAudio:
		if !m.live() || m.ai != AIConfigured {
			return nil
		}
		return []Command{ForwardToAI{Payload: e.Payload}}
	case AIAudioDelta:
		return m.onAudioDelta(e)
	case FunctionCallRequested:
		return m.onFunctionCall(e)
	case ToolCompleted:
		return m.onToolCompleted(e)
	case SpeechStarted:
		if !m.live() || m.streamSID == "" {
			m.early = m.early[:0]
			return nil
		}
		return []Command{ClearTelephony{StreamSID: m.streamSID}}
	case TelephonyClosed:
		m.telephony = TelephonyClosedState
		return m.close(m.aiConnected())
	case AIClosed:
		if m.ai != AIFailedState {
			m.ai = AIClosedState
		}
		return m.close(false)
	case Shutdown:
		return m.close(m.aiConnected())
	}
	return nil
}

func (m *Machine) live() bool {
	return m.state == StateActive || m.state == StateToolPending
}

func (m *Machine) aiConnected() bool {
	return m.ai == AIOpen || m.ai == AIConfigured
}

func (m *Machine) sessionUpdate() protocol.SessionUpdateEvent {
	return protocol.SessionUpdate(m.cfg.Session)
}

func (m *Machine) onAIOpened() []Command {
	if m.state != StateInitializing {
		return nil
	}
	m.ai = AIOpen
	m.state = StateAwaitingAISession
	return []Command{SendSessionUpdate{Delay: m.cfg.SettleDelay, Update: m.sessionUpdate()}}
}

func (m *Machine) onSessionCreated() []Command {
	if m.state != StateAwaitingAISession {
		return nil
	}
	// Configuration is sent again on session.created before the greeting.
	m.ai = AIConfigured
	m.state = StateActive
	return []Command{
		SendSessionUpdate{Update: m.sessionUpdate()},
		SendResponseCreate{Instructions: m.cfg.Greeting},
	}
}

func (m *Machine) onStreamStarted(e StreamStarted) []Command {
	if m.streamSID != "" || e.StreamSID == "" {
		return nil
	}
	m.streamSID = e.StreamSID
	if len(m.early) == 0 {
		return nil
	}
	out := make([]Command, 0, len(m.early))
	for _, delta := range m.early {
		out = append(out, ForwardToTelephony{StreamSID: m.streamSID, Payload: delta})
	}
	m.early = nil
	return out
}

func (m *Machine) onAudioDelta(e AIAudioDelta) []Command {
	if m.streamSID != "" {
		return []Command{ForwardToTelephony{StreamSID: m.streamSID, Payload: e.Delta}}
	}
	if len(m.early) < m.cfg.PendingAudioLimit {
		m.early = append(m.early, e.Delta)
	}
	return nil
}

func (m *Machine) onFunctionCall(e FunctionCallRequested) []Command {
	if !m.live() || e.CallID == "" {
		return nil
	}
	if _, dup := m.seen[e.CallID]; dup {
		return nil
	}
	m.seen[e.CallID] = struct{}{}
	m.pending[e.CallID] = PendingCall{Name: e.Name, Arguments: e.Arguments, ItemID: e.ItemID}
	m.state = StateToolPending
	return []Command{InvokeTool{CallID: e.CallID, Name: e.Name, Arguments: e.Arguments}}
}

func (m *Machine) onToolCompleted(e ToolCompleted) []Command {
	if _, ok := m.pending[e.CallID]; !ok {
		return nil
	}
	delete(m.pending, e.CallID)
	if len(m.pending) == 0 {
		m.state = StateActive
	}
	return []Command{SendToolResult{
		CallID:             e.CallID,
		Output:             e.Output,
		ResumeInstructions: m.cfg.ResumeInstructions,
	}}
}

// close moves through Closing to Closed, asking the surviving leg to close.
func (m *Machine) close(closeAI bool) []Command {
	m.state = StateClosing
	var out []Command
	if closeAI {
		out = append(out, CloseAI{})
	}
	if m.telephony == TelephonyOpenState {
		out = append(out, CloseTelephony{})
		m.telephony = TelephonyClosedState
	}
	if m.aiConnected() || m.ai == AIConnecting {
		m.ai = AIClosedState
	}
	m.pending = make(map[string]PendingCall)
	m.early = nil
	m.state = StateClosed
	return out
}
