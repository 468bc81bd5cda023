package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when SendAndStream is called before a
	// successful Connect. It indicates a caller bug rather than a transport
	// failure.
	ErrNotConnected = errors.New("stream: not connected")

	// ErrDisconnected is returned when the connection was closed locally,
	// either through Disconnect or context cancellation.
	ErrDisconnected = errors.New("stream: disconnected")
)

// ConnectionError reports a failed WebSocket handshake.
type ConnectionError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ConnectionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("stream: connect %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("stream: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError reports a transport failure after the stream was established.
// Code holds the WebSocket close code when the peer closed abnormally.
type StreamError struct {
	Code int
	Err  error
}

func (e *StreamError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("stream: closed with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
