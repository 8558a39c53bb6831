// Package calls wraps the Twilio REST and TwiML pieces the relay's HTTP
// surface needs.
package calls

import (
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

var ErrMissingDestination = errors.New("destination number is required")

// StatusCallbackEvents are the progress events requested for outbound calls.
var StatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// API is the subset of the Twilio v2010 API used here.
type API interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
	FetchCall(sid string, params *twilioApi.FetchCallParams) (*twilioApi.ApiV2010Call, error)
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

type Service struct {
	api  API
	from string
}

func New(config Config) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	return NewWithAPI(client.Api, config.FromNumber)
}

func NewWithAPI(api API, from string) *Service {
	return &Service{api: api, from: from}
}

type OutboundCall struct {
	To             string
	TwimlURL       string
	StatusCallback string
}

// Call is the status view of a Twilio call.
type Call struct {
	CallSid   string `json:"callSid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	Duration  string `json:"duration"`
}

// PlaceCall dials out with answering machine detection enabled and returns
// the new call sid.
func (s *Service) PlaceCall(call OutboundCall) (string, error) {
	if call.To == "" {
		return "", ErrMissingDestination
	}
	params := &twilioApi.CreateCallParams{}
	params.SetTo(call.To)
	params.SetFrom(s.from)
	params.SetUrl(call.TwimlURL)
	params.SetStatusCallback(call.StatusCallback)
	params.SetStatusCallbackEvent(StatusCallbackEvents)
	params.SetStatusCallbackMethod("POST")
	params.SetMachineDetection("Enable")

	resp, err := s.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create call to %s: %w", call.To, err)
	}
	return deref(resp.Sid), nil
}

func (s *Service) FetchCall(callSid string) (Call, error) {
	resp, err := s.api.FetchCall(callSid, &twilioApi.FetchCallParams{})
	if err != nil {
		return Call{}, fmt.Errorf("failed to fetch call %s: %w", callSid, err)
	}
	return Call{
		CallSid:   deref(resp.Sid),
		To:        deref(resp.To),
		From:      deref(resp.From),
		Status:    deref(resp.Status),
		StartTime: deref(resp.StartTime),
		EndTime:   deref(resp.EndTime),
		Duration:  deref(resp.Duration),
	}, nil
}

// Hangup ends a live call.
func (s *Service) Hangup(callSid string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := s.api.UpdateCall(callSid, params); err != nil {
		return fmt.Errorf("failed to hang up call %s: %w", callSid, err)
	}
	return nil
}

// IsMachine reports whether an AnsweredBy value means voicemail.
func IsMachine(answeredBy string) bool {
	return answeredBy == "machine_start" || answeredBy == "machine_end"
}

// StreamTwiML connects the call to the media stream websocket, passing the
// non-empty params through as stream parameters.
func StreamTwiML(streamURL string, params map[string]string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	for _, name := range []string{"from", "to"} {
		if v := params[name]; v != "" {
			stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: name, Value: v})
		}
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
