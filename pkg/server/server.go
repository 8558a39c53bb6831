// Package server is the relay's HTTP surface: Twilio webhooks, the media
// stream websocket, outbound calls and call history.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/stillmatic/convai-call-relay/pkg/callhistory"
	"github.com/stillmatic/convai-call-relay/pkg/calls"
	"github.com/stillmatic/convai-call-relay/pkg/relay"
	"github.com/stillmatic/convai-call-relay/pkg/sessions"
)

// CallService places, inspects and ends Twilio calls. *calls.Service
// implements it.
type CallService interface {
	PlaceCall(call calls.OutboundCall) (string, error)
	FetchCall(callSid string) (calls.Call, error)
	Hangup(callSid string) error
}

// History is the call outcome log. *callhistory.Store implements it.
type History interface {
	Record(rec callhistory.Record) error
	List() ([]callhistory.Record, error)
	Raw() ([]byte, error)
	Clear(ctx context.Context) error
}

type Options struct {
	// PublicURL is the externally reachable base URL. When empty the request
	// host is used.
	PublicURL string
	// TwilioAuthToken enables webhook signature checks when ValidateSignature
	// is set.
	TwilioAuthToken   string
	ValidateSignature bool
	HangupOnVoicemail bool

	Calls   CallService
	History History
	Tracker *sessions.Tracker
	Dialer  relay.Dialer
	Relay   relay.Config
	Logger  zerolog.Logger
}

type Server struct {
	opts   Options
	echo   *echo.Echo
	logger zerolog.Logger
	// voicemail runs when answering machine detection reports a machine.
	voicemail func(callSid string) error
}

func New(opts Options) *Server {
	if opts.Tracker == nil {
		opts.Tracker = sessions.NewTracker()
	}
	opts.PublicURL = strings.TrimRight(opts.PublicURL, "/")
	s := &Server{
		opts:   opts,
		echo:   echo.New(),
		logger: opts.Logger.With().Str("component", "http").Logger(),
	}
	if opts.HangupOnVoicemail && opts.Calls != nil {
		s.voicemail = opts.Calls.Hangup
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Use(middleware.Recover())
	s.echo.Use(requestLogger(s.logger))
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	webhook := []echo.MiddlewareFunc{}
	if s.opts.ValidateSignature {
		webhook = append(webhook, twilioSignature(s.opts.TwilioAuthToken, s.opts.PublicURL))
	}

	e.GET("/", s.handleRoot)
	e.Match([]string{http.MethodGet, http.MethodPost}, "/incoming-call-eleven", s.handleIncomingCall, webhook...)
	e.GET("/media-stream", s.handleMediaStream)
	e.POST("/call-status", s.handleCallStatus, webhook...)
	e.GET("/call-status/:callSid", s.handleGetCallStatus)
	e.POST("/make-outbound-call", s.handleOutboundCall)
	e.GET("/call-history", s.handleListHistory)
	e.GET("/call-history.csv", s.handleHistoryCSV)
	e.DELETE("/call-history", s.handleClearHistory)
	e.GET("/sessions", s.handleSessions)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	_ = c.JSON(code, errorBody{Error: msg})
}

type errorBody struct {
	Error string `json:"error"`
}

// baseURL is PUBLIC_URL when configured, otherwise https on the request host.
func (s *Server) baseURL(r *http.Request) string {
	if s.opts.PublicURL != "" {
		return s.opts.PublicURL
	}
	return "https://" + r.Host
}
