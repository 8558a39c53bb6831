// Package relay bridges a telephony media stream and a conversational AI
// stream for one call, supervising the AI leg with bounded reconnects and a
// liveness watchdog.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stillmatic/convai-call-relay/pkg/logutil"
	"github.com/stillmatic/convai-call-relay/pkg/types"
	"github.com/stillmatic/convai-call-relay/pkg/watchdog"
)

// Session binds one telephony connection to one supervised AI connection.
// Every entry point serializes on mu.
type Session struct {
	id     string
	cfg    Config
	tel    Conn
	dialer Dialer
	logger zerolog.Logger
	wd     *watchdog.Watchdog
	done   chan struct{}

	mu           sync.Mutex
	state        State
	started      bool
	sup          supervisor
	probePending bool
	streamSid    string
	callSid      string
	params       map[string]string
	convID       string
	stats        Stats
	telClosed    bool
	reason       CloseReason
	closeErr     error
	endedAt      time.Time
	// finishPending is set by closeLocked; unlock runs OnClose once.
	finishPending bool
	finished      bool
}

// NewSession creates a session in the Connecting state. Call Start to dial
// the AI leg.
func NewSession(ctx context.Context, tel Conn, dialer Dialer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:     types.NewSessionID(),
		cfg:    cfg,
		tel:    tel,
		dialer: dialer,
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
	s.logger = logutil.LoggerFromContext(ctx).With().Str("session_id", s.id).Logger()
	s.wd = watchdog.New(cfg.Clock, s.onWatchdog)
	s.stats.StartedAt = cfg.Clock.Now()
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session is Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start opens the AI leg. Subsequent calls are no-ops.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.unlock()
	if s.started || s.state != StateConnecting {
		return
	}
	s.started = true
	s.openLocked()
}

// HandleTelephonyFrame decodes one raw telephony frame and dispatches it.
func (s *Session) HandleTelephonyFrame(data []byte) {
	ev, err := DecodeTelephonyEvent(data)
	if err != nil {
		s.anomaly(func(st *Stats) { st.Malformed++ }, err, "dropping malformed telephony frame")
		return
	}
	switch ev.Event {
	case TwilioEventStart:
		start := TwilioStart{StreamSid: StreamSidOf(ev)}
		if ev.Start != nil {
			start = *ev.Start
			start.StreamSid = StreamSidOf(ev)
		}
		s.OnTelephonyStart(start)
	case TwilioEventMedia:
		chunk, err := MediaToAI(ev)
		if err != nil {
			s.anomaly(func(st *Stats) { st.Malformed++ }, err, "dropping telephony media")
			return
		}
		s.OnTelephonyMedia(chunk.UserAudioChunk)
	case TwilioEventStop:
		s.OnTelephonyStop()
	default:
		s.mu.Lock()
		s.logger.Debug().Str("event", string(ev.Event)).Msg("telephony event")
		s.mu.Unlock()
	}
}

// OnTelephonyStart records the stream identifier. A repeated start is an
// anomaly and is ignored.
func (s *Session) OnTelephonyStart(start TwilioStart) {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateClosed {
		return
	}
	if start.StreamSid == "" {
		s.stats.Malformed++
		s.logger.Warn().Msg("telephony start without streamSid")
		return
	}
	if s.streamSid != "" {
		s.stats.DuplicateStarts++
		s.logger.Warn().Str("stream_sid", start.StreamSid).Msg("duplicate telephony start ignored")
		return
	}
	s.streamSid = start.StreamSid
	s.callSid = start.CallSid
	s.params = start.CustomParameters
	s.logger = s.logger.With().Str("stream_sid", s.streamSid).Str("call_sid", s.callSid).Logger()
	s.logger.Info().Msg("telephony stream started")
}

// OnTelephonyMedia forwards a caller audio payload to the AI leg when it is
// Active and drops it otherwise.
func (s *Session) OnTelephonyMedia(payload string) {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateClosed {
		return
	}
	s.stats.MediaIn++
	if s.state != StateActive || s.sup.conn == nil {
		s.stats.MediaDropped++
		return
	}
	if err := s.sup.conn.WriteJSONConcurrent(UserAudioChunk{UserAudioChunk: payload}); err != nil {
		s.stats.WriteErrors++
		s.dropLocked(fmt.Errorf("writing user audio: %w", err))
	}
}

func (s *Session) OnTelephonyStop() {
	s.mu.Lock()
	defer s.unlock()
	s.closeLocked(CloseTelephonyStop, nil)
}

func (s *Session) OnTelephonyClosed(err error) {
	s.mu.Lock()
	defer s.unlock()
	s.closeLocked(CloseTelephonyClosed, err)
}

// Shutdown closes both legs on behalf of the process.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.unlock()
	s.closeLocked(CloseShutdown, nil)
}

// OnAIMessage handles one frame from the current AI connection.
func (s *Session) OnAIMessage(data []byte) {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateActive {
		return
	}
	s.handleAIFrameLocked(data)
}

// OnAIClosed reports that the current AI connection ended.
func (s *Session) OnAIClosed(cause error) {
	if cause == nil {
		cause = ErrAIClosed
	}
	s.OnAIError(cause)
}

// OnAIError reports a failure on the current AI connection. Late reports on
// a session without a live AI leg are ignored.
func (s *Session) OnAIError(err error) {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateActive {
		return
	}
	s.dropLocked(err)
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Stats {
	st := s.stats
	st.ID = s.id
	st.State = s.state
	st.StreamSid = s.streamSid
	st.CallSid = s.callSid
	st.ConversationID = s.convID
	st.ReconnectAttempts = s.sup.attempts
	st.RetryPending = s.sup.retry != nil
	st.Dials = s.sup.dials
	return st
}

func (s *Session) handleAIFrameLocked(data []byte) {
	s.stats.AIMessages++
	s.wd.Activity()
	s.probePending = false

	msg, err := DecodeAIMessage(data)
	if err != nil {
		s.stats.Malformed++
		s.logger.Debug().Err(err).Msg("dropping malformed ai message")
		return
	}

	switch msg.Type {
	case AIMessageMetadata:
		if msg.MetadataEvent != nil {
			s.convID = msg.MetadataEvent.ConversationID
		}
		s.logger.Info().Str("conversation_id", s.convID).Msg("ai conversation initiated")
	case AIMessageAudio:
		out, err := AudioToTelephony(msg, s.streamSid)
		if err != nil {
			s.translateErrLocked(err, "dropping ai audio")
			return
		}
		s.writeTelephonyLocked(out)
		s.stats.AudioOut++
	case AIMessageInterruption:
		out, err := ClearForInterruption(s.streamSid)
		if err != nil {
			s.translateErrLocked(err, "dropping ai interruption")
			return
		}
		s.writeTelephonyLocked(out)
		s.stats.Clears++
	case AIMessagePing:
		pong, err := PongFor(msg)
		if err != nil {
			s.translateErrLocked(err, "dropping ai ping")
			return
		}
		if err := s.sup.conn.WriteJSONConcurrent(pong); err != nil {
			s.stats.WriteErrors++
			s.dropLocked(fmt.Errorf("writing pong: %w", err))
			return
		}
		s.stats.Pongs++
	default:
		s.logger.Debug().Str("type", string(msg.Type)).Msg("ignoring ai message")
	}
}

func (s *Session) translateErrLocked(err error, msg string) {
	if errors.Is(err, ErrStreamNotStarted) {
		s.stats.EarlyAudio++
	} else {
		s.stats.Malformed++
	}
	s.logger.Warn().Err(err).Msg(msg)
}

func (s *Session) writeTelephonyLocked(v any) {
	if s.telClosed {
		return
	}
	if err := s.tel.WriteJSONConcurrent(v); err != nil {
		// the telephony read loop reports the close itself
		s.stats.WriteErrors++
		s.logger.Debug().Err(err).Msg("writing to telephony leg")
	}
}

// onWatchdog is the two-stage liveness check: the first quiet window sends a
// probe, a second one (or a failed probe) drops the AI leg.
func (s *Session) onWatchdog() {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateActive || s.sup.conn == nil {
		return
	}
	if s.probePending {
		s.dropLocked(fmt.Errorf("%w: no activity after probe", ErrLivenessTimeout))
		return
	}
	s.probePending = true
	s.stats.Probes++
	s.logger.Info().Dur("timeout", s.cfg.WatchdogTimeout).Msg("ai leg quiet, probing")
	if err := s.sup.conn.WriteJSONConcurrent(LivenessProbe); err != nil {
		s.stats.WriteErrors++
		s.dropLocked(fmt.Errorf("%w: probe: %w", ErrLivenessTimeout, err))
		return
	}
	s.wd.Arm(s.cfg.WatchdogTimeout)
}

// closeLocked is the single terminal transition. It cancels the watchdog,
// aborts pending reconnects and closes both legs exactly once.
func (s *Session) closeLocked(reason CloseReason, err error) {
	if s.state == StateClosed {
		return
	}
	s.logger.Info().Str("reason", string(reason)).Err(err).Str("from", s.state.String()).Msg("closing relay session")
	s.state = StateClosed
	s.reason = reason
	s.closeErr = err
	s.endedAt = s.cfg.Clock.Now()
	s.wd.Cancel()
	s.shutdownSupervisorLocked()
	if !s.telClosed {
		s.telClosed = true
		if cerr := s.tel.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("closing telephony leg")
		}
	}
	close(s.done)
	s.finishPending = true
}

// unlock releases mu and, the first time the session is seen Closed, runs
// the OnClose hook outside the lock.
func (s *Session) unlock() {
	var (
		summary Summary
		run     bool
	)
	if s.finishPending && !s.finished {
		s.finished = true
		run = s.cfg.OnClose != nil
		if run {
			summary = s.summaryLocked()
		}
	}
	s.mu.Unlock()
	if run {
		s.cfg.OnClose(summary)
	}
}

func (s *Session) summaryLocked() Summary {
	sum := Summary{
		Stats:    s.snapshotLocked(),
		Params:   s.params,
		Reason:   s.reason,
		Err:      s.closeErr,
		EndedAt:  s.endedAt,
		Duration: s.endedAt.Sub(s.stats.StartedAt),
	}
	if s.params != nil {
		sum.From = s.params["from"]
		sum.To = s.params["to"]
	}
	return sum
}

func (s *Session) anomaly(bump func(*Stats), err error, msg string) {
	s.mu.Lock()
	defer s.unlock()
	bump(&s.stats)
	s.logger.Warn().Err(err).Msg(msg)
}
