package caphub

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ConnState is the lifecycle state of one server connection.
type ConnState int32

const (
	// StateDisconnected is the initial state and the terminal state of every
	// failure path. There is no automatic retry out of it; callers must
	// reconnect explicitly.
	StateDisconnected ConnState = iota
	// StateConnecting means the transport is opening its raw channel.
	StateConnecting
	// StateInitializing means the channel is open and the initialize
	// handshake is in flight.
	StateInitializing
	// StateReady means the handshake succeeded; tool calls and resource
	// reads are accepted.
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// ConnectionStats is a snapshot of the silent-fallback counters for one
// connection: data that was dropped or ignored without surfacing to any
// caller.
type ConnectionStats struct {
	// DroppedFrames counts inbound chunks the transport failed to decode.
	DroppedFrames int64
	// OrphanResponses counts response frames whose identifier matched no
	// pending request.
	OrphanResponses int64
	// MalformedResponses counts response frames violating the
	// one-of-result-or-error invariant.
	MalformedResponses int64
	// PendingRequests is the number of requests currently awaiting a
	// response.
	PendingRequests int
}

// serverConnection owns one server's lifecycle: its descriptor, transport
// adapter, correlator, and discovered catalogs. The raw channel handle is
// exclusively owned here and never shared; reconnecting tears down any
// existing handle first.
type serverConnection struct {
	desc            ServerDescriptor
	kind            TransportKind
	logger          *slog.Logger
	httpClient      *http.Client
	clientInfo      Info
	protocolVersion string

	corr *correlator

	mu        sync.Mutex
	state     ConnState
	transport Transport
	// generation tags the live raw channel. Frames and death signals from a
	// superseded channel carry a stale tag and are discarded.
	generation string
	serverInfo Info
	tools      []Tool
	resources  []Resource
}

func newServerConnection(
	desc ServerDescriptor,
	counter *atomic.Int64,
	httpClient *http.Client,
	clientInfo Info,
	protoVersion string,
	logger *slog.Logger,
) *serverConnection {
	return &serverConnection{
		desc:            desc,
		kind:            ResolveTransport(desc),
		logger:          logger,
		httpClient:      httpClient,
		clientInfo:      clientInfo,
		protocolVersion: protoVersion,
		corr:            newCorrelator(desc.Name, counter, logger),
	}
}

// connect drives Disconnected -> Connecting -> Initializing -> Ready. It is
// idempotent on a Ready connection and rejects overlapping attempts. On any
// failure the connection is left Disconnected with no live handle.
func (c *serverConnection) connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateInitializing:
		c.mu.Unlock()
		return fmt.Errorf("connect to server %q already in progress", c.desc.Name)
	}

	gen := uuid.NewString()
	tr := newTransport(c.desc, c.httpClient, c.logger)
	c.state = StateConnecting
	c.generation = gen
	c.transport = tr
	c.mu.Unlock()

	frames, err := tr.Connect(ctx)
	if err != nil {
		c.teardown(gen, ErrConnectionClosed)
		return &ConnectError{Server: c.desc.Name, Err: err}
	}

	c.mu.Lock()
	if c.generation != gen {
		// Torn down while the channel was opening. The teardown could not
		// see the handle yet, so release it here and stay Disconnected.
		c.mu.Unlock()
		if cerr := tr.Close(); cerr != nil {
			c.logger.Error("failed to close transport", "server", c.desc.Name, "err", cerr)
		}
		return &ConnectError{Server: c.desc.Name, Err: ErrConnectionClosed}
	}
	c.state = StateInitializing
	c.mu.Unlock()

	go c.readFrames(gen, frames)

	if err := c.handshake(ctx); err != nil {
		c.teardown(gen, ErrConnectionClosed)
		return &HandshakeError{Server: c.desc.Name, Err: err}
	}

	c.mu.Lock()
	if c.generation != gen {
		// The channel died while the handshake response was in flight.
		c.mu.Unlock()
		return &HandshakeError{Server: c.desc.Name, Err: ErrConnectionClosed}
	}
	c.state = StateReady
	c.mu.Unlock()

	// Best-effort catalog discovery, sequential so one slow fetch cannot
	// starve the other past its own timeout. Failures leave the catalog
	// empty; not every server implements both capabilities.
	c.discoverTools(ctx)
	c.discoverResources(ctx)

	c.logger.Info("server connected",
		"server", c.desc.Name,
		"transport", string(c.kind),
		"tools", len(c.listTools()),
		"resources", len(c.listResources()))

	return nil
}

// readFrames consumes the transport's inbound iterator. Server-initiated
// requests and notifications are not used by this hub and are ignored;
// responses are handed to the correlator. Iterator exhaustion is the
// channel-death signal.
func (c *serverConnection) readFrames(gen string, frames iter.Seq[Frame]) {
	for frame := range frames {
		c.mu.Lock()
		stale := c.generation != gen
		c.mu.Unlock()
		if stale {
			return
		}

		if !frame.isResponse() {
			c.logger.Debug("ignoring server-initiated frame",
				"server", c.desc.Name, "method", frame.Method)
			continue
		}
		c.corr.dispatch(frame)
	}

	c.teardown(gen, ErrConnectionClosed)
}

// teardown transitions to Disconnected, releases the raw handle, and
// force-rejects every pending request so no caller hangs. Stale generations
// are no-ops, so a late death signal cannot kill a fresh channel.
func (c *serverConnection) teardown(gen string, cause error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	tr := c.transport
	c.transport = nil
	c.generation = ""
	wasReady := c.state == StateReady
	c.state = StateDisconnected
	c.mu.Unlock()

	c.corr.failAll(fmt.Errorf("%w: server %q", cause, c.desc.Name))

	if tr != nil {
		if err := tr.Close(); err != nil {
			c.logger.Error("failed to close transport", "server", c.desc.Name, "err", err)
		}
	}

	if wasReady {
		c.logger.Info("server disconnected", "server", c.desc.Name)
	}
}

// disconnect tears down whatever channel is live. Safe to call in any state.
func (c *serverConnection) disconnect() {
	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()
	if gen == "" {
		return
	}
	c.teardown(gen, ErrConnectionClosed)
}

func (c *serverConnection) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo:      c.clientInfo,
	}
	res, err := c.roundTrip(ctx, methodInitialize, params)
	if err != nil {
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != c.protocolVersion {
		c.logger.Debug("server negotiated different protocol version",
			"server", c.desc.Name, "version", result.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.mu.Unlock()

	// The initialized notification completes the handshake. Failure to send
	// it is not fatal; servers treat the session as live either way.
	if err := c.notify(ctx, methodNotificationsInitialized); err != nil {
		c.logger.Error("failed to send initialized notification",
			"server", c.desc.Name, "err", err)
	}

	return nil
}

func (c *serverConnection) discoverTools(ctx context.Context) {
	res, err := c.roundTrip(ctx, MethodToolsList, nil)
	if err != nil {
		c.logger.Warn("tool discovery failed", "server", c.desc.Name, "err", err)
		return
	}

	var result listToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.logger.Warn("failed to unmarshal tool catalog", "server", c.desc.Name, "err", err)
		return
	}

	// Replaced wholesale, never merged.
	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()
}

func (c *serverConnection) discoverResources(ctx context.Context) {
	res, err := c.roundTrip(ctx, MethodResourcesList, nil)
	if err != nil {
		c.logger.Warn("resource discovery failed", "server", c.desc.Name, "err", err)
		return
	}

	var result listResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.logger.Warn("failed to unmarshal resource catalog", "server", c.desc.Name, "err", err)
		return
	}

	c.mu.Lock()
	c.resources = result.Resources
	c.mu.Unlock()
}

// callTool issues a single correlated tools/call round trip. The tool name is
// deliberately not validated against the discovered catalog: servers may
// expose tools they never listed, and discovery may have failed.
func (c *serverConnection) callTool(ctx context.Context, name string, args any) (ToolResult, error) {
	if err := c.requireReady(); err != nil {
		return ToolResult{}, err
	}

	var argsBs json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return ToolResult{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		argsBs = bs
	}

	res, err := c.roundTrip(ctx, MethodToolsCall, CallToolParams{Name: name, Arguments: argsBs})
	if err != nil {
		return ToolResult{}, err
	}

	var result ToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ToolResult{}, fmt.Errorf("failed to unmarshal tool result: %w", err)
	}
	return result, nil
}

func (c *serverConnection) readResource(ctx context.Context, uri string) (ToolResult, error) {
	if err := c.requireReady(); err != nil {
		return ToolResult{}, err
	}

	res, err := c.roundTrip(ctx, MethodResourcesRead, ReadResourceParams{URI: uri})
	if err != nil {
		return ToolResult{}, err
	}

	var result ToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ToolResult{}, fmt.Errorf("failed to unmarshal resource result: %w", err)
	}
	return result, nil
}

func (c *serverConnection) ping(ctx context.Context) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := c.roundTrip(ctx, methodPing, nil)
	return err
}

// roundTrip registers a pending entry, sends the request frame, and blocks
// until the correlator completes the entry or the caller's context ends.
// Per-call failures never change the connection's state.
func (c *serverConnection) roundTrip(ctx context.Context, method string, params any) (Frame, error) {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return Frame{}, fmt.Errorf("%w: server %q", ErrNotConnected, c.desc.Name)
	}

	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	id, results := c.corr.register(c.desc.requestTimeout())

	frame := Frame{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}
	if err := tr.Send(ctx, frame); err != nil {
		c.corr.reject(id, err)
		<-results
		return Frame{}, err
	}

	select {
	case <-ctx.Done():
		c.corr.reject(id, ctx.Err())
		return Frame{}, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return Frame{}, res.err
		}
		return res.frame, nil
	}
}

func (c *serverConnection) notify(ctx context.Context, method string) error {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("%w: server %q", ErrNotConnected, c.desc.Name)
	}

	return tr.Send(ctx, Frame{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	})
}

func (c *serverConnection) requireReady() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateReady {
		return fmt.Errorf("%w: server %q is %s", ErrNotConnected, c.desc.Name, state)
	}
	return nil
}

func (c *serverConnection) currentState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *serverConnection) listTools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

func (c *serverConnection) listResources() []Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resources
}

func (c *serverConnection) stats() ConnectionStats {
	c.mu.Lock()
	tr := c.transport
	c.mu.Unlock()

	s := ConnectionStats{
		OrphanResponses:    c.corr.orphans.Load(),
		MalformedResponses: c.corr.malformed.Load(),
		PendingRequests:    c.corr.pendingCount(),
	}
	if tr != nil {
		s.DroppedFrames = tr.DroppedFrames()
	}
	return s
}
