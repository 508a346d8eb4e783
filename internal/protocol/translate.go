package protocol

// AudioAppendFromTelephony turns an inbound telephony media frame into the
// AI-side append event. The payload is passed through untouched.
func AudioAppendFromTelephony(media TelephonyMedia) InputAudioBufferAppendEvent {
	return InputAudioBufferAppendEvent{Type: ClientInputAudioAppend, Audio: media.Payload}
}

// TelephonyMediaFromDelta stamps an AI audio delta with the media stream id.
func TelephonyMediaFromDelta(streamSID, delta string) TelephonyOutbound {
	return TelephonyOutbound{
		Event:     TelephonyMediaKind,
		StreamSID: streamSID,
		Media:     &TelephonyOutboundMedia{Payload: delta},
	}
}

// TelephonyClear asks the telephony leg to drop any audio it has buffered.
func TelephonyClear(streamSID string) TelephonyOutbound {
	return TelephonyOutbound{Event: TelephonyClearKind, StreamSID: streamSID}
}

// FunctionCallOutput injects a tool result into the AI conversation.
func FunctionCallOutput(callID, output string) ConversationItemCreateEvent {
	return ConversationItemCreateEvent{
		Type: ClientConversationItemCreate,
		Item: ConversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate starts or resumes an AI turn with the given instructions.
func ResponseCreate(instructions string) ResponseCreateEvent {
	ev := ResponseCreateEvent{Type: ClientResponseCreate}
	if instructions != "" {
		ev.Response = &ResponseOptions{
			Modalities:   []string{"text", "audio"},
			Instructions: instructions,
		}
	}
	return ev
}

// SessionUpdate wraps a session configuration.
func SessionUpdate(s Session) SessionUpdateEvent {
	return SessionUpdateEvent{Type: ClientSessionUpdate, Session: s}
}
