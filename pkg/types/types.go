package types

import (
	"github.com/rs/xid"
)

// CallStatus is the status vocabulary Twilio reports for a call, plus the
// locally derived voicemail outcome.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusCanceled   CallStatus = "canceled"
	// CallStatusVoicemail is never sent by Twilio. It is recorded when
	// answering machine detection reports a machine.
	CallStatusVoicemail CallStatus = "voicemail"
	// CallStatusRelayFailed is recorded when the AI leg could not be
	// re-established within the reconnect budget.
	CallStatusRelayFailed CallStatus = "relay-failed"
)

// Terminal reports whether no further status updates are expected.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusFailed, CallStatusNoAnswer, CallStatusCanceled:
		return true
	}
	return false
}

// Answered is the answered column of the call history log.
type Answered string

const (
	AnsweredYes       Answered = "ANO"
	AnsweredNo        Answered = "NE"
	AnsweredVoicemail Answered = "VOICEMAIL"
)

// AnsweredFor maps a status onto the answered column.
func AnsweredFor(s CallStatus) Answered {
	switch s {
	case CallStatusCompleted, CallStatusInProgress:
		return AnsweredYes
	case CallStatusVoicemail:
		return AnsweredVoicemail
	default:
		return AnsweredNo
	}
}

// NewSessionID returns a sortable unique id for a relay session.
func NewSessionID() string {
	return xid.New().String()
}
