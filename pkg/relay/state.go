package relay

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stillmatic/convai-call-relay/pkg/watchdog"
)

type State int

const (
	StateConnecting State = iota
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CloseReason string

const (
	CloseTelephonyStop   CloseReason = "telephony-stop"
	CloseTelephonyClosed CloseReason = "telephony-closed"
	CloseRetryExhausted  CloseReason = "retries-exhausted"
	CloseShutdown        CloseReason = "shutdown"
)

var (
	ErrLivenessTimeout = errors.New("ai leg liveness timeout")
	ErrRetryExhausted  = errors.New("ai reconnect attempts exhausted")
	ErrAIClosed        = errors.New("ai connection closed")
)

const (
	DefaultMaxReconnectAttempts = 3
	DefaultBackoffUnit          = 2 * time.Second
	DefaultDialTimeout          = 10 * time.Second
)

// Conn is the writable side of a websocket leg. *wsw.WSWrapper satisfies it.
type Conn interface {
	WriteJSONConcurrent(v any) error
	Close() error
}

// AIConn is an established AI-side connection. Listen delivers each inbound
// frame in arrival order and blocks until the connection ends, returning the
// cause.
type AIConn interface {
	Conn
	Listen(onFrame func([]byte)) error
}

// Dialer opens a fresh AI-side connection. It must honor ctx cancellation.
type Dialer func(ctx context.Context) (AIConn, error)

type Config struct {
	MaxReconnectAttempts int
	BackoffUnit          time.Duration
	WatchdogTimeout      time.Duration
	DialTimeout          time.Duration
	Clock                clock.Clock
	// OnClose runs once, outside the session lock, after the session becomes
	// Closed.
	OnClose func(Summary)
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = DefaultBackoffUnit
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = watchdog.DefaultTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Backoff returns the wait before reconnect attempt n: n x unit, with n
// clamped to [1, max].
func Backoff(attempt, max int, unit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if max > 0 && attempt > max {
		attempt = max
	}
	return time.Duration(attempt) * unit
}

// Stats is a point-in-time snapshot of a session.
type Stats struct {
	ID                string `json:"id"`
	State             State  `json:"state"`
	StreamSid         string `json:"streamSid,omitempty"`
	CallSid           string `json:"callSid,omitempty"`
	ConversationID    string `json:"conversationId,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	RetryPending      bool   `json:"retryPending"`
	Dials             int    `json:"dials"`

	MediaIn      int64 `json:"mediaIn"`
	MediaDropped int64 `json:"mediaDropped"`
	AIMessages   int64 `json:"aiMessages"`
	AudioOut     int64 `json:"audioOut"`
	Clears       int64 `json:"clears"`
	Pongs        int64 `json:"pongs"`
	Probes       int64 `json:"probes"`

	EarlyAudio      int64 `json:"earlyAudio"`
	DuplicateStarts int64 `json:"duplicateStarts"`
	Malformed       int64 `json:"malformed"`
	WriteErrors     int64 `json:"writeErrors"`

	StartedAt time.Time `json:"startedAt"`
}

// Summary describes a finished session.
type Summary struct {
	Stats
	From     string
	To       string
	Params   map[string]string
	Reason   CloseReason
	Err      error
	EndedAt  time.Time
	Duration time.Duration
}
