// Package convai dials the conversational AI websocket for a relay session.
package convai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/stillmatic/convai-call-relay/pkg/relay"
	"github.com/stillmatic/convai-call-relay/pkg/wsw"
)

const DefaultURL = "wss://api.elevenlabs.io/v1/convai/conversation"

var ErrMissingAgentID = errors.New("convai: agent id is required")

type Dialer struct {
	endpoint string
	apiKey   string
	ws       *websocket.Dialer
}

// NewDialer builds a dialer for the given agent. An empty baseURL uses
// DefaultURL; apiKey is optional and sent as the xi-api-key header.
func NewDialer(baseURL, agentID, apiKey string) (*Dialer, error) {
	if agentID == "" {
		return nil, ErrMissingAgentID
	}
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing convai url %s: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	return &Dialer{
		endpoint: u.String(),
		apiKey:   apiKey,
		ws:       websocket.DefaultDialer,
	}, nil
}

func (d *Dialer) URL() string { return d.endpoint }

func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	headers := http.Header{}
	if d.apiKey != "" {
		headers.Set("xi-api-key", d.apiKey)
	}
	conn, resp, err := d.ws.DialContext(ctx, d.endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("error dialing convai websocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("error dialing convai websocket: %w", err)
	}
	return &Conn{WSWrapper: wsw.NewWSWrapper(conn)}, nil
}

// RelayDialer adapts Dial to the relay session's dial hook.
func (d *Dialer) RelayDialer() relay.Dialer {
	return func(ctx context.Context) (relay.AIConn, error) {
		c, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Conn is one AI websocket connection.
type Conn struct {
	*wsw.WSWrapper
}

// Listen reads frames until the connection ends and returns why it ended.
func (c *Conn) Listen(onFrame func([]byte)) error {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("%w: %w", relay.ErrAIClosed, err)
			}
			return fmt.Errorf("error reading convai websocket: %w", err)
		}
		onFrame(data)
	}
}
