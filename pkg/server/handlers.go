package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/stillmatic/convai-call-relay/pkg/callhistory"
	"github.com/stillmatic/convai-call-relay/pkg/calls"
	"github.com/stillmatic/convai-call-relay/pkg/relay"
	"github.com/stillmatic/convai-call-relay/pkg/types"
)

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "Server is running"})
}

// handleIncomingCall answers Twilio's voice webhook with TwiML that connects
// the call to the media stream.
func (s *Server) handleIncomingCall(c echo.Context) error {
	streamURL := "wss://" + c.Request().Host + "/media-stream"
	out, err := calls.StreamTwiML(streamURL, map[string]string{
		"from": c.FormValue("From"),
		"to":   c.FormValue("To"),
	})
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMETextXMLCharsetUTF8, []byte(out))
}

func (s *Server) handleCallStatus(c echo.Context) error {
	callSid := c.FormValue("CallSid")
	status := types.CallStatus(c.FormValue("CallStatus"))
	to := c.FormValue("To")
	from := c.FormValue("From")
	duration := c.FormValue("CallDuration")
	answeredBy := c.FormValue("AnsweredBy")

	logger := s.logger.With().
		Str("call_sid", callSid).
		Str("status", string(status)).
		Str("to", to).
		Str("answered_by", answeredBy).
		Logger()
	logger.Info().Str("duration", duration).Msg("call status")

	rec := callhistory.Record{CallSid: callSid, From: from, To: to, Status: status}
	switch {
	case status == types.CallStatusInProgress && calls.IsMachine(answeredBy):
		rec.Status = types.CallStatusVoicemail
		if err := s.opts.History.Record(rec); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to process call status update").SetInternal(err)
		}
		if s.voicemail != nil {
			if err := s.voicemail(callSid); err != nil {
				logger.Error().Err(err).Msg("failed to hang up voicemail call")
			} else {
				logger.Info().Msg("call hung up on voicemail")
			}
		}
	case status.Terminal():
		if status == types.CallStatusCompleted {
			rec.Duration, _ = strconv.Atoi(duration)
		}
		if err := s.opts.History.Record(rec); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to process call status update").SetInternal(err)
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleGetCallStatus(c echo.Context) error {
	callSid := c.Param("callSid")
	if callSid == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Call SID is required")
	}
	call, err := s.opts.Calls.FetchCall(callSid)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to fetch call status").SetInternal(err)
	}
	s.logger.Info().Str("call_sid", callSid).Str("status", call.Status).Str("duration", call.Duration).Msg("fetched call")
	return c.JSON(http.StatusOK, call)
}

type outboundRequest struct {
	To string `json:"to" form:"to"`
}

type outboundResponse struct {
	Message           string `json:"message"`
	CallSid           string `json:"callSid"`
	StatusCallbackURL string `json:"statusCallbackUrl"`
}

func (s *Server) handleOutboundCall(c echo.Context) error {
	var req outboundRequest
	if err := c.Bind(&req); err != nil || req.To == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Destination phone number is required")
	}
	base := s.baseURL(c.Request())
	callback := base + "/call-status"
	sid, err := s.opts.Calls.PlaceCall(calls.OutboundCall{
		To:             req.To,
		TwimlURL:       base + "/incoming-call-eleven",
		StatusCallback: callback,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to initiate call").SetInternal(err)
	}
	s.logger.Info().Str("call_sid", sid).Str("to", req.To).Str("status_callback", callback).Msg("outbound call initiated")
	return c.JSON(http.StatusOK, outboundResponse{
		Message:           "Call initiated",
		CallSid:           sid,
		StatusCallbackURL: callback,
	})
}

func (s *Server) handleListHistory(c echo.Context) error {
	recs, err := s.opts.History.List()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get call history").SetInternal(err)
	}
	if recs == nil {
		recs = []callhistory.Record{}
	}
	return c.JSON(http.StatusOK, map[string][]callhistory.Record{"calls": recs})
}

func (s *Server) handleHistoryCSV(c echo.Context) error {
	data, err := s.opts.History.Raw()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get call history").SetInternal(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=call_history.csv")
	return c.Blob(http.StatusOK, "text/csv", data)
}

func (s *Server) handleClearHistory(c echo.Context) error {
	if err := s.opts.History.Clear(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to clear call history").SetInternal(err)
	}
	s.logger.Info().Msg("call history cleared")
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": "Call history cleared"})
}

type sessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []relay.Stats `json:"sessions"`
}

func (s *Server) handleSessions(c echo.Context) error {
	snap := s.opts.Tracker.Snapshot()
	return c.JSON(http.StatusOK, sessionsResponse{Count: len(snap), Sessions: snap})
}
