package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/gluk-w/jumpterm/internal/termframe"
)

// Channel is a bidirectional message channel. Read returns ErrChannelClosed
// once the peer has closed cleanly.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
	Close() error
}

// Handshake is the metadata exchanged while opening a channel.
type Handshake struct {
	SessionID string
}

// Dialer opens the channel for one session.
type Dialer interface {
	Dial(ctx context.Context) (Channel, Handshake, error)
}

// maxMessageSize bounds a single inbound message.
const maxMessageSize = 1 << 20

// WebSocketDialer connects to the terminal endpoint of a jumpterm server. The
// credential travels in the URL because the handshake cannot carry custom
// auth headers from every client.
type WebSocketDialer struct {
	BaseURL    string
	TargetID   string
	Token      string
	HTTPClient *http.Client
}

// URL returns the websocket URL for the target.
func (d *WebSocketDialer) URL() (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws/ssh/" + d.TargetID
	q := url.Values{}
	q.Set("token", d.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial performs the websocket handshake. 401 and 403 responses map to
// ErrAuthExpired; every other failure is a ConnectionError.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, Handshake, error) {
	u, err := d.URL()
	if err != nil {
		return nil, Handshake{}, &ConnectionError{Op: "dial", Err: err}
	}
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, Handshake{}, fmt.Errorf("%w: handshake returned %s", ErrAuthExpired, resp.Status)
			}
		}
		return nil, Handshake{}, &ConnectionError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxMessageSize)

	hs := Handshake{}
	if resp != nil {
		hs.SessionID = resp.Header.Get(termframe.SessionHeader)
	}
	return &wsChannel{conn: conn}, hs, nil
}

type wsChannel struct {
	conn *websocket.Conn
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, ErrChannelClosed
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrChannelClosed
		}
		return nil, err
	}
	return data, nil
}

func (c *wsChannel) Write(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, p)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
