package relay

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
)

// supervisor holds the AI-leg connection lifecycle for one session. All of its
// fields are guarded by the owning session's mutex.
type supervisor struct {
	conn AIConn
	// gen identifies the current connection attempt. It moves on every open
	// and every drop, so results and frames from older handles are ignored.
	gen        uint64
	attempts   int
	dials      int
	cancelDial context.CancelFunc

	retry    *clock.Timer
	retrySeq uint64
}

// openLocked starts a new dial. The dial itself runs without the lock.
func (s *Session) openLocked() {
	s.sup.gen++
	gen := s.sup.gen
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	s.sup.cancelDial = cancel
	s.sup.dials++
	s.logger.Debug().Uint64("gen", gen).Int("attempt", s.sup.attempts).Msg("dialing ai leg")
	go s.dial(ctx, cancel, gen)
}

func (s *Session) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	conn, err := s.dialer(ctx)
	cancel()

	s.mu.Lock()
	if gen != s.sup.gen || s.state == StateClosed {
		s.unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.sup.cancelDial = nil
	if err != nil {
		s.logger.Warn().Err(err).Int("attempt", s.sup.attempts).Msg("ai dial failed")
		s.reconnectLocked(fmt.Errorf("dial: %w", err))
		s.unlock()
		return
	}
	if s.sup.attempts > 0 {
		s.logger.Info().Int("attempts", s.sup.attempts).Msg("ai leg reconnected")
	} else {
		s.logger.Info().Msg("ai leg connected")
	}
	s.sup.conn = conn
	s.sup.attempts = 0
	s.state = StateActive
	s.probePending = false
	s.wd.Arm(s.cfg.WatchdogTimeout)
	s.unlock()

	go s.listen(conn, gen)
}

func (s *Session) listen(conn AIConn, gen uint64) {
	err := conn.Listen(func(data []byte) {
		s.mu.Lock()
		defer s.unlock()
		if gen != s.sup.gen || s.state != StateActive {
			return
		}
		s.handleAIFrameLocked(data)
	})
	if err == nil {
		err = ErrAIClosed
	}

	s.mu.Lock()
	defer s.unlock()
	if gen != s.sup.gen {
		return
	}
	s.dropLocked(err)
}

// dropLocked discards the current AI handle and enters the reconnect path.
func (s *Session) dropLocked(cause error) {
	if s.state == StateClosed {
		return
	}
	s.logger.Warn().Err(cause).Str("state", s.state.String()).Msg("ai leg lost")
	s.sup.gen++
	s.closeAILocked()
	s.wd.Cancel()
	s.probePending = false
	s.state = StateReconnecting
	s.reconnectLocked(cause)
}

// reconnectLocked schedules the next open after a linear backoff, or closes
// the session when the attempt budget is spent.
func (s *Session) reconnectLocked(cause error) {
	if s.state == StateClosed {
		return
	}
	if s.sup.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Error().Err(cause).Int("attempts", s.sup.attempts).Msg("giving up on ai leg")
		s.closeLocked(CloseRetryExhausted, fmt.Errorf("%w: %w", ErrRetryExhausted, cause))
		return
	}
	s.sup.attempts++
	s.state = StateReconnecting
	delay := Backoff(s.sup.attempts, s.cfg.MaxReconnectAttempts, s.cfg.BackoffUnit)
	s.stopRetryLocked()
	s.sup.retrySeq++
	seq := s.sup.retrySeq
	s.sup.retry = s.cfg.Clock.AfterFunc(delay, func() { s.fireRetry(seq) })
	s.logger.Info().Int("attempt", s.sup.attempts).Dur("delay", delay).Msg("scheduled ai reconnect")
}

func (s *Session) fireRetry(seq uint64) {
	s.mu.Lock()
	defer s.unlock()
	if seq != s.sup.retrySeq || s.state == StateClosed {
		return
	}
	s.sup.retry = nil
	s.openLocked()
}

func (s *Session) stopRetryLocked() {
	if s.sup.retry != nil {
		s.sup.retry.Stop()
		s.sup.retry = nil
	}
	s.sup.retrySeq++
}

// shutdownSupervisorLocked aborts any dial or pending retry and closes the
// current handle.
func (s *Session) shutdownSupervisorLocked() {
	s.stopRetryLocked()
	if s.sup.cancelDial != nil {
		s.sup.cancelDial()
		s.sup.cancelDial = nil
	}
	s.sup.gen++
	s.closeAILocked()
}

func (s *Session) closeAILocked() {
	if s.sup.conn == nil {
		return
	}
	if err := s.sup.conn.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("closing ai leg")
	}
	s.sup.conn = nil
}
