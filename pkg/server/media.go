package server

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stillmatic/convai-call-relay/pkg/callhistory"
	"github.com/stillmatic/convai-call-relay/pkg/logutil"
	"github.com/stillmatic/convai-call-relay/pkg/relay"
	"github.com/stillmatic/convai-call-relay/pkg/telephony"
	"github.com/stillmatic/convai-call-relay/pkg/types"
)

// handleMediaStream runs one relay session for the lifetime of the Twilio
// media stream websocket.
func (s *Server) handleMediaStream(c echo.Context) error {
	ws, err := telephony.Upgrade(c.Response(), c.Request())
	if err != nil {
		s.logger.Warn().Err(err).Msg("media stream upgrade failed")
		return nil
	}
	ctx := logutil.ContextWithLogger(c.Request().Context(), s.opts.Logger)

	cfg := s.opts.Relay
	next := cfg.OnClose
	cfg.OnClose = func(sum relay.Summary) {
		s.sessionClosed(sum)
		if next != nil {
			next(sum)
		}
	}
	sess := relay.NewSession(ctx, ws, s.opts.Dialer, cfg)
	unregister := s.opts.Tracker.Register(sess)
	defer unregister()

	s.logger.Info().Str("session_id", sess.ID()).Msg("twilio connected to media stream")
	sess.Start()
	telephony.Serve(ctx, ws, sess, sess.Done())
	return nil
}

// sessionClosed records a relay failure in the call history. Ordinary call
// endings are recorded by the status webhook.
func (s *Server) sessionClosed(sum relay.Summary) {
	s.logger.Info().
		Str("session_id", sum.ID).
		Str("call_sid", sum.CallSid).
		Str("reason", string(sum.Reason)).
		Dur("duration", sum.Duration).
		Int64("media_in", sum.MediaIn).
		Int64("media_dropped", sum.MediaDropped).
		Int64("audio_out", sum.AudioOut).
		Int64("early_audio", sum.EarlyAudio).
		Int64("malformed", sum.Malformed).
		Msg("relay session finished")

	if sum.Reason != relay.CloseRetryExhausted || sum.CallSid == "" {
		return
	}
	notes := ""
	if sum.Err != nil {
		notes = sum.Err.Error()
	}
	err := s.opts.History.Record(callhistory.Record{
		CallSid:  sum.CallSid,
		From:     sum.From,
		To:       sum.To,
		Status:   types.CallStatusRelayFailed,
		Duration: int(sum.Duration / time.Second),
		Notes:    notes,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("call_sid", sum.CallSid).Msg("failed to record relay failure")
	}
}
