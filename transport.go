package caphub

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ServerDescriptor describes how to reach one capability server. It is
// supplied by the surrounding configuration layer and never mutated by the
// hub. Either a launch spec (Command/Args/Env) or an endpoint spec
// (URL/Headers) must be present.
type ServerDescriptor struct {
	// Name uniquely identifies the server within a Registry.
	Name string

	// Transport explicitly selects a transport kind. When empty, the kind is
	// inferred from the rest of the descriptor; see ResolveTransport.
	Transport TransportKind

	// Command, Args, and Env form the launch spec for stdio servers. Env is
	// merged over the parent process environment.
	Command string
	Args    []string
	Env     map[string]string

	// URL and Headers form the endpoint spec for network servers. Headers are
	// passed through opaquely on every outbound HTTP request or WebSocket
	// dial.
	URL     string
	Headers map[string]string

	// Timeout bounds every request round trip on this server, including the
	// handshake. Zero means the 30 second default.
	Timeout time.Duration

	// Disabled servers stay registered but refuse to connect.
	Disabled bool
}

const defaultRequestTimeout = 30 * time.Second

func (d ServerDescriptor) requestTimeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultRequestTimeout
}

// Transport owns one raw channel to a capability server. Implementations
// exist for each TransportKind; a connection selects one at connect time and
// never switches it at runtime.
//
// Connect opens the raw channel and returns an iterator that yields decoded
// inbound frames in arrival order. The iterator exits when the channel dies,
// whether by remote close, transport failure, or Close; that exit is the
// channel-death signal the owning connection reacts to. Inbound data that
// fails to decode as a frame is logged, counted, and dropped without tearing
// down the channel.
type Transport interface {
	Connect(ctx context.Context) (iter.Seq[Frame], error)
	Send(ctx context.Context, frame Frame) error
	Close() error

	// DroppedFrames reports how many inbound chunks failed to decode and were
	// silently discarded since Connect.
	DroppedFrames() int64
}

// newTransport builds the adapter matching the descriptor's resolved
// transport kind.
func newTransport(desc ServerDescriptor, httpClient *http.Client, logger *slog.Logger) Transport {
	switch ResolveTransport(desc) {
	case TransportSSE:
		return newSSETransport(desc, httpClient, logger)
	case TransportWebSocket:
		return newWSTransport(desc, logger)
	case TransportStreamableHTTP:
		return newStreamableTransport(desc, httpClient, logger)
	default:
		return newStdioTransport(desc, logger)
	}
}

// decodeFrame parses one wire chunk into a Frame. Decode failures are an
// attribute of the chunk, not the channel: they bump the dropped counter and
// are logged, but never propagate.
func decodeFrame(data []byte, logger *slog.Logger, dropped *atomic.Int64) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		dropped.Add(1)
		logger.Error("failed to decode frame", "err", err)
		return Frame{}, false
	}
	if f.JSONRPC != JSONRPCVersion {
		dropped.Add(1)
		logger.Error("invalid jsonrpc version", "version", f.JSONRPC)
		return Frame{}, false
	}
	return f, true
}
