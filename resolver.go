package caphub

import (
	"net/url"
	"strings"
)

// TransportKind names one of the four supported wire transports.
type TransportKind string

const (
	// TransportStdio runs the server as a child process and exchanges
	// line-delimited frames over its stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportSSE holds a long-lived Server-Sent Events stream for inbound
	// frames and posts outbound frames over HTTP.
	TransportSSE TransportKind = "sse"
	// TransportWebSocket exchanges frames over a full-duplex WebSocket.
	TransportWebSocket TransportKind = "websocket"
	// TransportStreamableHTTP has no persistent channel; each send is an HTTP
	// request whose response body is the matching frame.
	TransportStreamableHTTP TransportKind = "http"
)

// ResolveTransport maps a server descriptor to a transport kind. It is pure
// and total; ambiguous descriptors resolve deterministically through a fixed
// fallback chain:
//
//  1. An explicit Transport field always wins.
//  2. A ws:// or wss:// URL resolves to WebSocket, even if the path also
//     carries an event-stream marker.
//  3. A URL whose path contains an event-stream marker resolves to SSE. The
//     marker is matched against the path only, so a host or query string
//     that happens to contain it does not misroute.
//  4. Any other URL resolves to request/response HTTP.
//  5. Otherwise the launch command implies stdio.
func ResolveTransport(d ServerDescriptor) TransportKind {
	if d.Transport != "" {
		return d.Transport
	}

	if d.URL != "" {
		lower := strings.ToLower(d.URL)
		if strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://") {
			return TransportWebSocket
		}
		// Unparseable URLs fall back to matching the whole string; the
		// resolution must stay total.
		marker := lower
		if u, err := url.Parse(lower); err == nil {
			marker = u.Path
		}
		if strings.Contains(marker, "/sse") || strings.Contains(marker, "/events") {
			return TransportSSE
		}
		return TransportStreamableHTTP
	}

	return TransportStdio
}
