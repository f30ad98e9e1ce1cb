package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"checklist/api/internal/event"
)

// Transport is one established connection to the hub.
type Transport interface {
	Send(ctx context.Context, frame event.ClientFrame) error
	// Receive blocks for the next server frame. Any error ends the transport.
	Receive(ctx context.Context) (event.ServerFrame, error)
	Close() error
}

// Dialer opens transports. Dial must return promptly once ctx is done.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

const wsWriteWait = 10 * time.Second

// WSDialer dials the hub's websocket endpoint. The bearer token travels as
// the access_token query parameter, which is what browsers can send too.
type WSDialer struct {
	URL      string
	Token    string
	ClientID string
	Dialer   *websocket.Dialer
}

// NewWSDialer derives the websocket URL from an API base URL such as
// http://localhost:8787.
func NewWSDialer(baseURL, token, clientID string) (*WSDialer, error) {
	endpoint, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	return &WSDialer{URL: endpoint, Token: token, ClientID: clientID}, nil
}

func websocketURL(baseURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/api/ws"
	return parsed.String(), nil
}

func (d *WSDialer) Dial(ctx context.Context) (Transport, error) {
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	query := endpoint.Query()
	if d.Token != "" {
		query.Set("access_token", d.Token)
	}
	if d.ClientID != "" {
		query.Set("clientId", d.ClientID)
	}
	endpoint.RawQuery = query.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.ClientID != "" {
		header.Set("X-Client-ID", d.ClientID)
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial hub: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (t *wsTransport) Send(_ context.Context, frame event.ClientFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return t.conn.WriteJSON(frame)
}

func (t *wsTransport) Receive(_ context.Context) (event.ServerFrame, error) {
	var frame event.ServerFrame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return event.ServerFrame{}, err
	}
	return frame, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
