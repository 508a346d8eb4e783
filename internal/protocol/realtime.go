package protocol

// ClientEventType identifies events the relay sends to the AI endpoint.
type ClientEventType string

const (
	ClientSessionUpdate          ClientEventType = "session.update"
	ClientResponseCreate         ClientEventType = "response.create"
	ClientConversationItemCreate ClientEventType = "conversation.item.create"
	ClientInputAudioAppend       ClientEventType = "input_audio_buffer.append"
)

// AudioFormatG711ULaw is the only format the telephony leg speaks, so both
// directions of the AI session use it and no transcoding is needed.
const AudioFormatG711ULaw = "g711_ulaw"

type TurnDetection struct {
	Type string `json:"type"`
}

// ToolDeclaration is a callable function in the shape the realtime API expects.
type ToolDeclaration struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// Session carries every knob sent in session.update.
type Session struct {
	TurnDetection     *TurnDetection    `json:"turn_detection,omitempty"`
	InputAudioFormat  string            `json:"input_audio_format,omitempty"`
	OutputAudioFormat string            `json:"output_audio_format,omitempty"`
	Voice             string            `json:"voice,omitempty"`
	Instructions      string            `json:"instructions,omitempty"`
	Modalities        []string          `json:"modalities,omitempty"`
	Temperature       float64           `json:"temperature,omitempty"`
	Tools             []ToolDeclaration `json:"tools,omitempty"`
	ToolChoice        string            `json:"tool_choice,omitempty"`
}

type SessionUpdateEvent struct {
	Type    ClientEventType `json:"type"`
	Session Session         `json:"session"`
}

type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreateEvent struct {
	Type     ClientEventType  `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

// ConversationItem is the injected item; only function_call_output is used.
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type ConversationItemCreateEvent struct {
	Type ClientEventType  `json:"type"`
	Item ConversationItem `json:"item"`
}

type InputAudioBufferAppendEvent struct {
	Type  ClientEventType `json:"type"`
	Audio string          `json:"audio"`
}
