// Package protocol defines the wire events of both call legs and the pure
// mappings between them.
//
// Audio payloads are base64 text on both sides and are copied through
// verbatim; nothing in this package decodes or re-encodes them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent wraps any payload that is not a JSON object.
var ErrMalformedEvent = errors.New("malformed event payload")

// TelephonyKind identifies media-stream event variants.
type TelephonyKind string

const (
	TelephonyConnected TelephonyKind = "connected"
	TelephonyStartKind TelephonyKind = "start"
	TelephonyMediaKind TelephonyKind = "media"
	TelephonyMark      TelephonyKind = "mark"
	TelephonyDTMF      TelephonyKind = "dtmf"
	TelephonyStop      TelephonyKind = "stop"
	TelephonyClearKind TelephonyKind = "clear"
)

// TelephonyEvent is an inbound media-stream frame.
type TelephonyEvent struct {
	Event     TelephonyKind         `json:"event"`
	StreamSID string                `json:"streamSid,omitempty"`
	Start     *TelephonyStart       `json:"start,omitempty"`
	Media     *TelephonyMedia       `json:"media,omitempty"`
	Mark      *TelephonyMarkPayload `json:"mark,omitempty"`
	DTMF      *TelephonyDTMFPayload `json:"dtmf,omitempty"`
}

type TelephonyStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid,omitempty"`
	AccountSID       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type TelephonyMedia struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type TelephonyMarkPayload struct {
	Name string `json:"name"`
}

type TelephonyDTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// TelephonyOutbound is a frame written to the media stream.
type TelephonyOutbound struct {
	Event     TelephonyKind           `json:"event"`
	StreamSID string                  `json:"streamSid"`
	Media     *TelephonyOutboundMedia `json:"media,omitempty"`
}

type TelephonyOutboundMedia struct {
	Payload string `json:"payload"`
}

// ParseTelephonyEvent decodes one media-stream frame.
func ParseTelephonyEvent(raw []byte) (TelephonyEvent, error) {
	var ev TelephonyEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return TelephonyEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// ServerEventType identifies realtime events sent by the AI endpoint.
type ServerEventType string

const (
	ServerSessionCreated       ServerEventType = "session.created"
	ServerSessionUpdated       ServerEventType = "session.updated"
	ServerFunctionCallArgsDone ServerEventType = "response.function_call_arguments.done"
	ServerAudioDelta           ServerEventType = "response.audio.delta"
	ServerSpeechStarted        ServerEventType = "input_audio_buffer.speech_started"
	ServerSpeechStopped        ServerEventType = "input_audio_buffer.speech_stopped"
	ServerInputAudioCommitted  ServerEventType = "input_audio_buffer.committed"
	ServerResponseContentDone  ServerEventType = "response.content.done"
	ServerResponseDone         ServerEventType = "response.done"
	ServerRateLimitsUpdated    ServerEventType = "rate_limits.updated"
	ServerErrorEvent           ServerEventType = "error"
)

// ServerEvent is the union of the realtime server event fields the relay reads.
type ServerEvent struct {
	Type      ServerEventType `json:"type"`
	EventID   string          `json:"event_id,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	ItemID    string          `json:"item_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Error     *ServerError    `json:"error,omitempty"`
}

// ServerError is the payload of an "error" event.
type ServerError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// ParseServerEvent decodes one realtime server event.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

var loggedServerEvents = map[ServerEventType]struct{}{
	ServerErrorEvent:          {},
	ServerResponseContentDone: {},
	ServerRateLimitsUpdated:   {},
	ServerResponseDone:        {},
	ServerInputAudioCommitted: {},
	ServerSpeechStopped:       {},
	ServerSpeechStarted:       {},
	ServerSessionCreated:      {},
	ServerSessionUpdated:      {},
}

// ShouldLogServerEvent reports whether t is on the diagnostic allow-list.
func ShouldLogServerEvent(t ServerEventType) bool {
	_, ok := loggedServerEvents[t]
	return ok
}
