// Package telephony accepts Twilio Media Streams websockets and pumps their
// frames into a relay session.
package telephony

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/stillmatic/convai-call-relay/pkg/logutil"
	"github.com/stillmatic/convai-call-relay/pkg/wsw"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio does not send an Origin header we could check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade accepts a media stream websocket.
func Upgrade(w http.ResponseWriter, r *http.Request) (*wsw.WSWrapper, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("error upgrading media stream: %w", err)
	}
	return wsw.NewWSWrapper(conn), nil
}

// Handler receives the telephony leg's frames and its end.
type Handler interface {
	HandleTelephonyFrame(data []byte)
	OnTelephonyClosed(err error)
}

// Serve reads frames from ws until it closes, ctx is done or done is closed,
// then reports the end to h exactly once. A nil done never fires.
func Serve(ctx context.Context, ws *wsw.WSWrapper, h Handler, done <-chan struct{}) {
	logger := logutil.LoggerFromContext(ctx)
	defer ws.Close()
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		case <-ws.Closed():
			return
		}
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info().Msg("media stream closed by peer")
				h.OnTelephonyClosed(nil)
			} else {
				logger.Debug().Err(err).Msg("media stream read ended")
				h.OnTelephonyClosed(fmt.Errorf("error reading media stream: %w", err))
			}
			return
		}
		h.HandleTelephonyFrame(data)
	}
}
