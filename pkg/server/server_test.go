package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stillmatic/convai-call-relay/pkg/callhistory"
	"github.com/stillmatic/convai-call-relay/pkg/calls"
	"github.com/stillmatic/convai-call-relay/pkg/relay"
	"github.com/stillmatic/convai-call-relay/pkg/sessions"
	"github.com/stillmatic/convai-call-relay/pkg/types"
)

type fakeCalls struct {
	mu      sync.Mutex
	placed  []calls.OutboundCall
	hungUp  []string
	err     error
	fetched calls.Call
}

func (f *fakeCalls) PlaceCall(call calls.OutboundCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, call)
	return "CA100", nil
}

func (f *fakeCalls) FetchCall(callSid string) (calls.Call, error) {
	if f.err != nil {
		return calls.Call{}, f.err
	}
	c := f.fetched
	c.CallSid = callSid
	return c, nil
}

func (f *fakeCalls) Hangup(callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = append(f.hungUp, callSid)
	return nil
}

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *fakeCalls, *callhistory.Store) {
	t.Helper()
	store, err := callhistory.Open(filepath.Join(t.TempDir(), "history.csv"), nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	fc := &fakeCalls{}
	opts := Options{
		HangupOnVoicemail: true,
		Calls:             fc,
		History:           store,
		Tracker:           sessions.NewTracker(),
		Logger:            zerolog.Nop(),
		Dialer: func(ctx context.Context) (relay.AIConn, error) {
			return nil, errors.New("no ai in this test")
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), fc, store
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestRoot(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"message":"Server is running"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body)
	}
}

func TestIncomingCall_ReturnsStreamTwiML(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	req := postForm("/incoming-call-eleven", url.Values{"From": {"+1555"}, "To": {"+1666"}})
	req.Host = "relay.example"
	rec := do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") && !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("content-type=%s", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{"<Connect>", `url="wss://relay.example/media-stream"`, `value="+1555"`, `value="+1666"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("twiml %s missing %s", body, want)
		}
	}

	get := do(t, s, httptest.NewRequest(http.MethodGet, "/incoming-call-eleven", nil))
	if get.Code != http.StatusOK {
		t.Fatalf("GET status=%d", get.Code)
	}
}

func TestCallStatus_RecordsTerminalStatuses(t *testing.T) {
	s, _, store := newTestServer(t, nil)
	for _, form := range []url.Values{
		{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "To": {"+1666"}},
		{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "To": {"+1666"}, "From": {"+1555"}, "CallDuration": {"42"}},
		{"CallSid": {"CA2"}, "CallStatus": {"busy"}, "To": {"+1777"}, "CallDuration": {"5"}},
	} {
		rec := do(t, s, postForm("/call-status", form))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"received":true`) {
			t.Fatalf("got %d %s", rec.Code, rec.Body)
		}
	}
	recs, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("recorded %d rows, want 2", len(recs))
	}
	if recs[0].CallSid != "CA1" || recs[0].Duration != 42 || recs[0].Answered != types.AnsweredYes {
		t.Fatalf("completed row=%+v", recs[0])
	}
	if recs[1].Status != types.CallStatusBusy || recs[1].Duration != 0 || recs[1].Answered != types.AnsweredNo {
		t.Fatalf("busy row=%+v", recs[1])
	}
}

func TestCallStatus_VoicemailHook(t *testing.T) {
	form := url.Values{"CallSid": {"CA9"}, "CallStatus": {"in-progress"}, "AnsweredBy": {"machine_start"}}

	s, fc, store := newTestServer(t, nil)
	do(t, s, postForm("/call-status", form))
	recs, _ := store.List()
	if len(recs) != 1 || recs[0].Status != types.CallStatusVoicemail || recs[0].Answered != types.AnsweredVoicemail {
		t.Fatalf("recs=%+v", recs)
	}
	if len(fc.hungUp) != 1 || fc.hungUp[0] != "CA9" {
		t.Fatalf("hungUp=%v", fc.hungUp)
	}

	s, fc, _ = newTestServer(t, func(o *Options) { o.HangupOnVoicemail = false })
	do(t, s, postForm("/call-status", form))
	if len(fc.hungUp) != 0 {
		t.Fatalf("hung up with hook disabled")
	}

	human := url.Values{"CallSid": {"CA8"}, "CallStatus": {"in-progress"}, "AnsweredBy": {"human"}}
	s, fc, store = newTestServer(t, nil)
	do(t, s, postForm("/call-status", human))
	if recs, _ := store.List(); len(recs) != 0 || len(fc.hungUp) != 0 {
		t.Fatalf("human answer recorded=%d hungUp=%v", len(recs), fc.hungUp)
	}
}

func TestGetCallStatus(t *testing.T) {
	s, fc, _ := newTestServer(t, nil)
	fc.fetched = calls.Call{Status: "completed", To: "+1666", Duration: "12"}
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/call-status/CA5", nil))
	var got calls.Call
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CallSid != "CA5" || got.Status != "completed" || got.Duration != "12" {
		t.Fatalf("got %+v", got)
	}

	fc.err = errors.New("20404")
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/call-status/CA5", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "Failed to fetch call status") {
		t.Fatalf("got %d %s", rec.Code, rec.Body)
	}
}

func TestOutboundCall(t *testing.T) {
	s, fc, _ := newTestServer(t, func(o *Options) { o.PublicURL = "https://relay.example/" })

	bad := httptest.NewRequest(http.MethodPost, "/make-outbound-call", strings.NewReader(`{}`))
	bad.Header.Set("Content-Type", "application/json")
	rec := do(t, s, bad)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), `"error":"Destination phone number is required"`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body)
	}

	req := httptest.NewRequest(http.MethodPost, "/make-outbound-call", strings.NewReader(`{"to":"+1666"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %s", rec.Code, rec.Body)
	}
	var resp outboundResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.CallSid != "CA100" || resp.StatusCallbackURL != "https://relay.example/call-status" || resp.Message != "Call initiated" {
		t.Fatalf("resp=%+v", resp)
	}
	placed := fc.placed[0]
	if placed.To != "+1666" || placed.TwimlURL != "https://relay.example/incoming-call-eleven" {
		t.Fatalf("placed=%+v", placed)
	}
}

func TestOutboundCall_FallsBackToRequestHost(t *testing.T) {
	s, fc, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/make-outbound-call", strings.NewReader(`{"to":"+1666"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "abc.ngrok.app"
	if rec := do(t, s, req); rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if got := fc.placed[0].StatusCallback; got != "https://abc.ngrok.app/call-status" {
		t.Fatalf("status callback=%s", got)
	}
}

func TestCallHistoryRoutes(t *testing.T) {
	s, _, store := newTestServer(t, nil)
	store.Record(callhistory.Record{CallSid: "CA1", Status: types.CallStatusCompleted, Duration: 3})

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/call-history", nil))
	var list struct {
		Calls []callhistory.Record `json:"calls"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Calls) != 1 || list.Calls[0].CallSid != "CA1" {
		t.Fatalf("calls=%+v", list.Calls)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/call-history.csv", nil))
	if cd := rec.Header().Get("Content-Disposition"); cd != "attachment; filename=call_history.csv" {
		t.Fatalf("content-disposition=%q", cd)
	}
	if !strings.HasPrefix(rec.Body.String(), "timestamp,callSid,") {
		t.Fatalf("csv=%q", rec.Body.String())
	}

	rec = do(t, s, httptest.NewRequest(http.MethodDelete, "/call-history", nil))
	if !strings.Contains(rec.Body.String(), `"message":"Call history cleared"`) {
		t.Fatalf("clear=%s", rec.Body)
	}
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/call-history", nil))
	if strings.TrimSpace(rec.Body.String()) != `{"calls":[]}` {
		t.Fatalf("after clear=%s", rec.Body)
	}
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := fullURL
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioSignature(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) {
		o.ValidateSignature = true
		o.TwilioAuthToken = "secret"
		o.PublicURL = "https://relay.example"
	})
	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}}

	rec := do(t, s, postForm("/call-status", form))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned status=%d", rec.Code)
	}

	req := postForm("/call-status", form)
	req.Header.Set("X-Twilio-Signature", sign("secret", "https://relay.example/call-status", form))
	rec = do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed status=%d body=%s", rec.Code, rec.Body)
	}

	// read-only routes are not signed
	if rec := do(t, s, httptest.NewRequest(http.MethodGet, "/call-history", nil)); rec.Code != http.StatusOK {
		t.Fatalf("history status=%d", rec.Code)
	}
}

// scriptedAI is an AI leg the test drives by hand.
type scriptedAI struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	writes []string
}

func newScriptedAI() *scriptedAI {
	return &scriptedAI{frames: make(chan []byte, 8), closed: make(chan struct{})}
}

func (a *scriptedAI) WriteJSONConcurrent(v any) error {
	b, _ := json.Marshal(v)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, string(b))
	return nil
}

func (a *scriptedAI) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *scriptedAI) Listen(onFrame func([]byte)) error {
	for {
		select {
		case b := <-a.frames:
			onFrame(b)
		case <-a.closed:
			return relay.ErrAIClosed
		}
	}
}

func (a *scriptedAI) Writes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.writes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialMedia(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/media-stream", nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	return c
}

func TestMediaStream_RelaysBothWays(t *testing.T) {
	ai := newScriptedAI()
	s, _, _ := newTestServer(t, func(o *Options) {
		o.Dialer = func(ctx context.Context) (relay.AIConn, error) { return ai, nil }
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c := dialMedia(t, srv)
	defer c.Close()
	waitFor(t, "active session", func() bool {
		snap := s.opts.Tracker.Snapshot()
		return len(snap) == 1 && snap[0].State == relay.StateActive
	})

	c.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`))
	c.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"payload":"AQID"}}`))
	waitFor(t, "user audio", func() bool { return len(ai.Writes()) == 1 })
	if got := ai.Writes()[0]; got != `{"user_audio_chunk":"AQID"}` {
		t.Fatalf("ai got %s", got)
	}

	ai.frames <- []byte(`{"type":"audio","audio_event":{"audio_base_64":"AAA="}}`)
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := strings.TrimSpace(string(msg)); got != `{"event":"media","streamSid":"MZ1","media":{"payload":"AAA="}}` {
		t.Fatalf("telephony got %s", got)
	}

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if !strings.Contains(rec.Body.String(), `"count":1`) || !strings.Contains(rec.Body.String(), `"streamSid":"MZ1"`) {
		t.Fatalf("sessions=%s", rec.Body)
	}

	c.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ1"}`))
	waitFor(t, "session unregistered", func() bool { return s.opts.Tracker.Count() == 0 })
	select {
	case <-ai.closed:
	default:
		t.Fatalf("ai leg left open after stop")
	}
}

func TestMediaStream_RetryExhaustionRecorded(t *testing.T) {
	release := make(chan struct{})
	s, _, store := newTestServer(t, func(o *Options) {
		o.Relay = relay.Config{MaxReconnectAttempts: 1, BackoffUnit: time.Millisecond}
		o.Dialer = func(ctx context.Context) (relay.AIConn, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, errors.New("503 from ai backend")
		}
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	c := dialMedia(t, srv)
	defer c.Close()
	c.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ2","callSid":"CA2","customParameters":{"from":"+1555","to":"+1666"}}}`))
	waitFor(t, "stream started", func() bool {
		snap := s.opts.Tracker.Snapshot()
		return len(snap) == 1 && snap[0].StreamSid == "MZ2"
	})
	close(release)

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected telephony leg to be closed")
	}
	waitFor(t, "relay failure recorded", func() bool {
		recs, _ := store.List()
		return len(recs) == 1
	})
	recs, _ := store.List()
	r := recs[0]
	if r.CallSid != "CA2" || r.Status != types.CallStatusRelayFailed || r.From != "+1555" || r.To != "+1666" {
		t.Fatalf("record=%+v", r)
	}
	if !strings.Contains(r.Notes, "503") {
		t.Fatalf("notes=%q", r.Notes)
	}
	waitFor(t, "session unregistered", func() bool { return s.opts.Tracker.Count() == 0 })
}
