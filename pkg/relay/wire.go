package relay

import "encoding/json"

// Twilio structs

type TwilioEventType string

const (
	TwilioEventConnected TwilioEventType = "connected"
	TwilioEventStart     TwilioEventType = "start"
	TwilioEventMedia     TwilioEventType = "media"
	TwilioEventMark      TwilioEventType = "mark"
	TwilioEventStop      TwilioEventType = "stop"
	TwilioEventClear     TwilioEventType = "clear"
)

type TwilioEvent struct {
	Event          TwilioEventType `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	Media          *TwilioMedia    `json:"media,omitempty"`
	Start          *TwilioStart    `json:"start,omitempty"`
	StreamSid      string          `json:"streamSid,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Version        string          `json:"version,omitempty"`
}

type TwilioMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type TwilioStart struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TwilioOutEvent struct {
	Event     TwilioEventType `json:"event"`
	StreamSid string          `json:"streamSid,omitempty"`
	Media     *TwilioOutMedia `json:"media,omitempty"`
}

type TwilioOutMedia struct {
	Payload string `json:"payload"`
}

// Conversational AI structs

type AIMessageType string

const (
	AIMessageMetadata     AIMessageType = "conversation_initiation_metadata"
	AIMessageAudio        AIMessageType = "audio"
	AIMessageInterruption AIMessageType = "interruption"
	AIMessagePing         AIMessageType = "ping"
	AIMessagePong         AIMessageType = "pong"
)

// AIMessage is the union of the inbound AI-side messages the relay acts on.
type AIMessage struct {
	Type          AIMessageType        `json:"type"`
	AudioEvent    *AIAudioEvent        `json:"audio_event,omitempty"`
	PingEvent     *AIPingEvent         `json:"ping_event,omitempty"`
	MetadataEvent *AIMetadataEvent     `json:"conversation_initiation_metadata_event,omitempty"`
	Interruption  *AIInterruptionEvent `json:"interruption_event,omitempty"`
}

type AIAudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id,omitempty"`
}

type AIPingEvent struct {
	// EventID is echoed back verbatim, whatever its JSON type.
	EventID json.RawMessage `json:"event_id,omitempty"`
	PingMS  *int64          `json:"ping_ms,omitempty"`
}

type AIMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

type AIInterruptionEvent struct {
	EventID int64 `json:"event_id,omitempty"`
}

// UserAudioChunk is the outbound AI-side audio submission.
type UserAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// AIControl is an outbound typed control message (pong, liveness probe).
type AIControl struct {
	Type    AIMessageType   `json:"type"`
	EventID json.RawMessage `json:"event_id,omitempty"`
}

// LivenessProbe is sent by the watchdog when the AI leg has been quiet for a
// full window.
var LivenessProbe = AIControl{Type: AIMessagePing}
