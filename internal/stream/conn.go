// Package stream wraps a single WebSocket completion stream to one versioned
// model endpoint.
package stream

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

	"github.com/haasonsaas/modeldeck/pkg/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 1 << 20
	defaultWriteWait        = 10 * time.Second
)

// Options tunes the underlying WebSocket connection.
type Options struct {
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// ReadLimit caps the size of a single inbound fragment.
	ReadLimit int64
	// PongWait enables keepalive pings when non-zero; the stream fails if
	// nothing is read for this long.
	PongWait time.Duration
	// WriteWait bounds outbound writes.
	WriteWait time.Duration
	// Header is sent with the handshake request.
	Header http.Header
	// Dialer overrides the default dialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	return o
}

// EndpointURL builds the completion endpoint for model and version relative
// to the backend base URL. https and wss bases map to wss, everything else to
// ws.
func EndpointURL(baseURL, model, version string) (string, error) {
	if strings.TrimSpace(model) == "" || strings.TrimSpace(version) == "" {
		return "", fmt.Errorf("stream: model and version are required")
	}
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("stream: parse base url: %w", err)
	}
	if base.Host == "" {
		return "", fmt.Errorf("stream: base url %q has no host", baseURL)
	}
	scheme := "ws"
	switch strings.ToLower(base.Scheme) {
	case "https", "wss":
		scheme = "wss"
	}
	endpoint := url.URL{
		Scheme: scheme,
		Host:   base.Host,
		Path: strings.TrimRight(base.Path, "/") + "/v1/" +
			url.PathEscape(model) + "/" + url.PathEscape(version) + "/complete",
	}
	return endpoint.String(), nil
}

// Conn owns one completion stream for the lifetime of one experiment.
// Connect, SendAndStream and Disconnect may be called from different
// goroutines; a Conn is not reusable after Disconnect.
type Conn struct {
	url  string
	opts Options

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// New creates an unconnected Conn for endpoint.
func New(endpoint string, opts Options) *Conn {
	return &Conn{url: endpoint, opts: opts.withDefaults()}
}

// URL returns the endpoint this Conn targets.
func (c *Conn) URL() string { return c.url }

// Connect performs the WebSocket handshake.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.opts.HandshakeTimeout,
		}
	}

	ws, resp, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if err != nil {
		connErr := &ConnectionError{URL: c.url, Err: err}
		if resp != nil {
			connErr.StatusCode = resp.StatusCode
		}
		return connErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = ws.Close()
		return ErrDisconnected
	}
	ws.SetReadLimit(c.opts.ReadLimit)
	c.ws = ws
	return nil
}

// SendAndStream sends req once and then delivers every inbound fragment to
// onToken in arrival order. onCompleted runs exactly once when the peer
// closes the stream normally, after which SendAndStream returns nil.
//
// Abnormal closes and read failures return a *StreamError. A local
// Disconnect or ctx cancellation returns ErrDisconnected.
func (c *Conn) SendAndStream(ctx context.Context, req models.CompletionRequest, onToken func(string), onCompleted func()) error {
	c.mu.Lock()
	ws := c.ws
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrDisconnected
	}
	if ws == nil {
		return ErrNotConnected
	}

	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)) //nolint:errcheck
	if err := ws.WriteJSON(req); err != nil {
		if c.isClosed() {
			return ErrDisconnected
		}
		return &StreamError{Err: fmt.Errorf("send request: %w", err)}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Disconnect()
		case <-done:
		}
	}()

	if c.opts.PongWait > 0 {
		c.startKeepalive(ws, done)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return ErrDisconnected
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if onCompleted != nil {
					onCompleted()
				}
				return nil
			}
			streamErr := &StreamError{Err: err}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				streamErr.Code = closeErr.Code
			}
			return streamErr
		}
		if c.opts.PongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait)) //nolint:errcheck
		}
		if onToken != nil {
			onToken(string(data))
		}
	}
}

func (c *Conn) startKeepalive(ws *websocket.Conn, done <-chan struct{}) {
	pongWait := c.opts.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		ticker := time.NewTicker(pongWait * 9 / 10)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
					return
				}
			}
		}
	}()
}

// Disconnect closes the stream. It is idempotent and safe to call on a Conn
// that never connected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait)) //nolint:errcheck
	_ = ws.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
