package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingField means a message lacked a field needed to translate it.
	ErrMissingField = errors.New("missing field")
	// ErrStreamNotStarted means audio was addressed to telephony before the
	// stream identifier was known.
	ErrStreamNotStarted = errors.New("telephony stream not started")
)

// DecodeTelephonyEvent parses one telephony websocket frame.
func DecodeTelephonyEvent(data []byte) (TwilioEvent, error) {
	var ev TwilioEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TwilioEvent{}, fmt.Errorf("error unmarshaling telephony event %w", err)
	}
	if ev.Event == "" {
		return TwilioEvent{}, fmt.Errorf("telephony event type: %w", ErrMissingField)
	}
	return ev, nil
}

// StreamSidOf returns the stream identifier carried by a start event.
func StreamSidOf(ev TwilioEvent) string {
	if ev.Start != nil && ev.Start.StreamSid != "" {
		return ev.Start.StreamSid
	}
	return ev.StreamSid
}

// MediaToAI converts an inbound telephony media frame into an AI audio
// submission. The payload is passed through unmodified.
func MediaToAI(ev TwilioEvent) (UserAudioChunk, error) {
	if ev.Media == nil || ev.Media.Payload == "" {
		return UserAudioChunk{}, fmt.Errorf("media payload: %w", ErrMissingField)
	}
	return UserAudioChunk{UserAudioChunk: ev.Media.Payload}, nil
}

// DecodeAIMessage parses one AI-side websocket frame.
func DecodeAIMessage(data []byte) (AIMessage, error) {
	var msg AIMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return AIMessage{}, fmt.Errorf("error unmarshaling ai message %w", err)
	}
	if msg.Type == "" {
		return AIMessage{}, fmt.Errorf("ai message type: %w", ErrMissingField)
	}
	return msg, nil
}

// AudioToTelephony wraps an AI audio chunk as a telephony media frame for
// the given stream.
func AudioToTelephony(msg AIMessage, streamSid string) (TwilioOutEvent, error) {
	if msg.AudioEvent == nil || msg.AudioEvent.AudioBase64 == "" {
		return TwilioOutEvent{}, fmt.Errorf("audio_event.audio_base_64: %w", ErrMissingField)
	}
	if streamSid == "" {
		return TwilioOutEvent{}, ErrStreamNotStarted
	}
	return TwilioOutEvent{
		Event:     TwilioEventMedia,
		StreamSid: streamSid,
		Media:     &TwilioOutMedia{Payload: msg.AudioEvent.AudioBase64},
	}, nil
}

// ClearForInterruption builds the command that makes the telephony side drop
// buffered audio (barge-in).
func ClearForInterruption(streamSid string) (TwilioOutEvent, error) {
	if streamSid == "" {
		return TwilioOutEvent{}, ErrStreamNotStarted
	}
	return TwilioOutEvent{Event: TwilioEventClear, StreamSid: streamSid}, nil
}

// PongFor answers an AI ping, echoing its event id.
func PongFor(msg AIMessage) (AIControl, error) {
	if msg.PingEvent == nil || len(msg.PingEvent.EventID) == 0 || string(msg.PingEvent.EventID) == "null" {
		return AIControl{}, fmt.Errorf("ping_event.event_id: %w", ErrMissingField)
	}
	return AIControl{Type: AIMessagePong, EventID: msg.PingEvent.EventID}, nil
}
