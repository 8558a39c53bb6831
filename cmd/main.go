package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stillmatic/convai-call-relay/pkg/callhistory"
	"github.com/stillmatic/convai-call-relay/pkg/calls"
	"github.com/stillmatic/convai-call-relay/pkg/config"
	"github.com/stillmatic/convai-call-relay/pkg/convai"
	"github.com/stillmatic/convai-call-relay/pkg/health"
	"github.com/stillmatic/convai-call-relay/pkg/logutil"
	"github.com/stillmatic/convai-call-relay/pkg/relay"
	"github.com/stillmatic/convai-call-relay/pkg/server"
	"github.com/stillmatic/convai-call-relay/pkg/sessions"
	"github.com/stillmatic/convai-call-relay/pkg/storage"
)

const drainTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal().Err(err).Msg("error parsing flags")
	}
	logger := logutil.Init(cfg.LogLevel, os.Stderr)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.PublicURL == "" {
		logger.Warn().Msg("PUBLIC_URL not set, callback URLs will use the request host")
	}

	dialer, err := convai.NewDialer(cfg.ConvaiURL, cfg.ElevenLabsAgentID, cfg.ElevenLabsAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("error configuring ai leg")
	}

	var archiver callhistory.Archiver
	if cfg.ArchiveEnabled() {
		archive, err := storage.New(storage.Config{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("error configuring call history archive")
		}
		archiver = archive
	}
	history, err := callhistory.Open(cfg.CallHistoryPath, archiver)
	if err != nil {
		logger.Fatal().Err(err).Msg("error opening call history")
	}

	tracker := sessions.NewTracker()
	srv := server.New(server.Options{
		PublicURL:         cfg.PublicURL,
		TwilioAuthToken:   cfg.TwilioAuthToken,
		ValidateSignature: cfg.ValidateTwilioSignature,
		HangupOnVoicemail: cfg.HangupOnVoicemail,
		Calls: calls.New(calls.Config{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			FromNumber: cfg.TwilioPhoneNumber,
		}),
		History: history,
		Tracker: tracker,
		Dialer:  dialer.RelayDialer(),
		Relay:   relay.Config{},
		Logger:  logger,
	})

	var hs *health.Server
	if cfg.GRPCHealthAddr != "" {
		hs, err = health.Listen(cfg.GRPCHealthAddr)
		if err != nil {
			logger.Fatal().Err(err).Msg("error starting health server")
		}
		go func() {
			if err := hs.Serve(); err != nil {
				logger.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	logger.Info().
		Str("agent_url", dialer.URL()).
		Bool("archive", cfg.ArchiveEnabled()).
		Bool("validate_signature", cfg.ValidateTwilioSignature).
		Msg("starting relay")

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(net.JoinHostPort("", cfg.Port)) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-errc:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	if hs != nil {
		hs.SetServing(false)
	}
	n := tracker.ShutdownAll()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if !tracker.Wait(ctx) {
		logger.Warn().Int("sessions", tracker.Count()).Msg("sessions still open after drain timeout")
	} else if n > 0 {
		logger.Info().Int("sessions", n).Msg("sessions closed")
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error shutting down http server")
	}
	if hs != nil {
		hs.Stop()
	}
}
