package caphub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// RegistryOption is a function that configures a Registry.
type RegistryOption func(*Registry)

// Registry holds every server connection by name and is the hub's public
// surface. It owns the process-wide request identifier counter, so
// identifiers stay monotonic across all connections for the registry's
// lifetime.
//
// A Registry must be created with NewRegistry and disposed with Close when no
// longer needed; Close tears down every connection and releases every
// subprocess handle, socket, timer, and pending entry.
type Registry struct {
	logger          *slog.Logger
	httpClient      *http.Client
	clientInfo      Info
	protocolVersion string

	counter atomic.Int64

	mu     sync.RWMutex
	conns  map[string]*serverConnection
	closed bool
}

var defaultClientInfo = Info{Name: "caphub", Version: "1.0.0"}

// WithLogger sets the logger used by the registry and every connection and
// transport it creates.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithHTTPClient sets the HTTP client used by the SSE and request/response
// HTTP transports.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

// WithClientInfo sets the client identity sent in the initialize handshake.
func WithClientInfo(info Info) RegistryOption {
	return func(r *Registry) {
		r.clientInfo = info
	}
}

// WithProtocolVersion overrides the protocol version sent in the initialize
// handshake.
func WithProtocolVersion(version string) RegistryOption {
	return func(r *Registry) {
		r.protocolVersion = version
	}
}

// NewRegistry creates a registry pre-populated with the given server
// descriptors. Descriptors are registered but not connected; call
// ConnectServer for each server to use.
func NewRegistry(descriptors []ServerDescriptor, options ...RegistryOption) *Registry {
	r := &Registry{
		logger:          slog.Default(),
		httpClient:      http.DefaultClient,
		clientInfo:      defaultClientInfo,
		protocolVersion: protocolVersion,
		conns:           make(map[string]*serverConnection),
	}
	for _, opt := range options {
		opt(r)
	}

	for _, desc := range descriptors {
		r.conns[desc.Name] = r.newConnection(desc)
	}

	return r
}

func (r *Registry) newConnection(desc ServerDescriptor) *serverConnection {
	return newServerConnection(desc, &r.counter, r.httpClient, r.clientInfo, r.protocolVersion, r.logger)
}

// AddServer registers a new server descriptor, replacing any previous
// descriptor with the same name. A replaced server's live connection is torn
// down first.
func (r *Registry) AddServer(desc ServerDescriptor) {
	r.mu.Lock()
	old := r.conns[desc.Name]
	r.conns[desc.Name] = r.newConnection(desc)
	r.mu.Unlock()

	if old != nil {
		old.disconnect()
	}
}

// RemoveServer disconnects and forgets a server. Removing an unknown server
// is a no-op.
func (r *Registry) RemoveServer(name string) {
	r.mu.Lock()
	conn := r.conns[name]
	delete(r.conns, name)
	r.mu.Unlock()

	if conn != nil {
		conn.disconnect()
	}
}

// Servers returns the registered server names in sorted order.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectServer opens the named server's transport, performs the handshake,
// and discovers its catalogs. It is idempotent: connecting an already-ready
// server returns nil without reopening the channel. Disabled servers refuse
// to connect.
func (r *Registry) ConnectServer(ctx context.Context, name string) error {
	conn, err := r.connection(name)
	if err != nil {
		return err
	}
	if conn.desc.Disabled {
		return fmt.Errorf("%w: %q", ErrServerDisabled, name)
	}
	return conn.connect(ctx)
}

// DisconnectServer tears down the named server's connection, force-rejecting
// every pending request it owns. Disconnecting an already-disconnected server
// is a no-op.
func (r *Registry) DisconnectServer(name string) error {
	conn, err := r.connection(name)
	if err != nil {
		return err
	}
	conn.disconnect()
	return nil
}

// CallTool invokes a tool on a ready server and returns its result envelope.
// The tool name is not validated against the discovered catalog.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args any) (ToolResult, error) {
	conn, err := r.connection(server)
	if err != nil {
		return ToolResult{}, err
	}
	return conn.callTool(ctx, tool, args)
}

// ReadResource reads a resource from a ready server.
func (r *Registry) ReadResource(ctx context.Context, server, uri string) (ToolResult, error) {
	conn, err := r.connection(server)
	if err != nil {
		return ToolResult{}, err
	}
	return conn.readResource(ctx, uri)
}

// Ping issues a protocol-level ping round trip against a ready server.
func (r *Registry) Ping(ctx context.Context, server string) error {
	conn, err := r.connection(server)
	if err != nil {
		return err
	}
	return conn.ping(ctx)
}

// ListTools returns the discovered tool catalog of the named server, or the
// catalogs of every ready server aggregated when server is empty.
func (r *Registry) ListTools(server string) ([]Tool, error) {
	if server != "" {
		conn, err := r.connection(server)
		if err != nil {
			return nil, err
		}
		return conn.listTools(), nil
	}

	var all []Tool
	for _, conn := range r.readyConnections() {
		all = append(all, conn.listTools()...)
	}
	return all, nil
}

// ListResources returns the discovered resource catalog of the named server,
// or the catalogs of every ready server aggregated when server is empty.
func (r *Registry) ListResources(server string) ([]Resource, error) {
	if server != "" {
		conn, err := r.connection(server)
		if err != nil {
			return nil, err
		}
		return conn.listResources(), nil
	}

	var all []Resource
	for _, conn := range r.readyConnections() {
		all = append(all, conn.listResources()...)
	}
	return all, nil
}

// ServerState reports the named server's connection state.
func (r *Registry) ServerState(name string) (ConnState, error) {
	conn, err := r.connection(name)
	if err != nil {
		return StateDisconnected, err
	}
	return conn.currentState(), nil
}

// ServerInfo returns the identity the named server reported during its
// handshake. The zero Info is returned before the first successful connect.
func (r *Registry) ServerInfo(name string) (Info, error) {
	conn, err := r.connection(name)
	if err != nil {
		return Info{}, err
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.serverInfo, nil
}

// Stats returns the silent-fallback counters of the named server's
// connection.
func (r *Registry) Stats(name string) (ConnectionStats, error) {
	conn, err := r.connection(name)
	if err != nil {
		return ConnectionStats{}, err
	}
	return conn.stats(), nil
}

// Close disposes every connection. Teardown is exhaustive: errors from
// individual connections are logged and swallowed so shutdown always
// completes without leaking subprocess handles or open sockets. The registry
// accepts no further operations afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*serverConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*serverConnection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.disconnect()
	}
}

func (r *Registry) connection(name string) (*serverConnection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	conn, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	return conn, nil
}

func (r *Registry) readyConnections() []*serverConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ready []*serverConnection
	for _, name := range r.sortedNamesLocked() {
		conn := r.conns[name]
		if conn.currentState() == StateReady {
			ready = append(ready, conn)
		}
	}
	return ready
}

func (r *Registry) sortedNamesLocked() []string {
	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
