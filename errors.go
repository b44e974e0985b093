package caphub

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned when an operation requires a ready connection
// but the server is disconnected or still connecting.
var ErrNotConnected = errors.New("server not connected")

// ErrConnectionClosed is the rejection cause delivered to every request still
// pending when its connection is torn down, and the result of calls issued
// against a connection that died.
var ErrConnectionClosed = errors.New("connection closed")

// ErrServerDisabled is returned when connecting a server whose descriptor
// marks it disabled.
var ErrServerDisabled = errors.New("server is disabled")

// ErrUnknownServer is returned when a server name is not registered.
var ErrUnknownServer = errors.New("unknown server")

// ConnectError reports that a server's raw channel could not be opened:
// a missing executable, an unreachable endpoint, or a refused socket.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect server %q: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// HandshakeError reports that the channel opened but the initialize round
// trip failed or timed out. The connection is left disconnected.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with server %q failed: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TimeoutError reports that no matching response frame arrived within the
// configured window. The pending entry is removed when the timeout fires, so
// a response arriving later is treated as an orphan.
type TimeoutError struct {
	Server  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to server %q timed out after %s", e.Server, e.Timeout)
}
