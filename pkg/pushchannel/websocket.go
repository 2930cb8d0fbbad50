package pushchannel

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer dials push endpoints over WebSocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer whose handshake is bounded by handshakeTimeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultConnectTimeout
	}
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial opens a WebSocket to endpoint. A failed handshake carries the server's HTTP status.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	wsURL, err := WebsocketURL(endpoint)
	if err != nil {
		return nil, &DialError{Err: err}
	}
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		dialErr := &DialError{Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
		}
		return nil, dialErr
	}
	return conn, nil
}

// WebsocketURL maps an http(s) API endpoint onto its ws(s) equivalent.
func WebsocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}
