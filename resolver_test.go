package caphub_test

import (
	"testing"

	"github.com/graftlabs/caphub"
)

func TestResolveTransport(t *testing.T) {
	tests := []struct {
		name string
		desc caphub.ServerDescriptor
		want caphub.TransportKind
	}{
		{
			name: "explicit transport wins over url",
			desc: caphub.ServerDescriptor{
				Transport: caphub.TransportStdio,
				URL:       "wss://host/mcp",
				Command:   "mytool",
			},
			want: caphub.TransportStdio,
		},
		{
			name: "explicit http wins over sse marker",
			desc: caphub.ServerDescriptor{
				Transport: caphub.TransportStreamableHTTP,
				URL:       "https://host/sse",
			},
			want: caphub.TransportStreamableHTTP,
		},
		{
			name: "wss scheme",
			desc: caphub.ServerDescriptor{URL: "wss://host/mcp"},
			want: caphub.TransportWebSocket,
		},
		{
			name: "ws scheme beats events marker",
			desc: caphub.ServerDescriptor{URL: "ws://host/events/mcp"},
			want: caphub.TransportWebSocket,
		},
		{
			name: "sse path marker",
			desc: caphub.ServerDescriptor{URL: "https://host/sse"},
			want: caphub.TransportSSE,
		},
		{
			name: "events path marker",
			desc: caphub.ServerDescriptor{URL: "https://host/api/events"},
			want: caphub.TransportSSE,
		},
		{
			name: "plain https url",
			desc: caphub.ServerDescriptor{URL: "https://host/mcp"},
			want: caphub.TransportStreamableHTTP,
		},
		{
			name: "sse marker in host is not a path marker",
			desc: caphub.ServerDescriptor{URL: "https://sse.example.com/mcp"},
			want: caphub.TransportStreamableHTTP,
		},
		{
			name: "events marker in query is not a path marker",
			desc: caphub.ServerDescriptor{URL: "https://host/mcp?next=/events"},
			want: caphub.TransportStreamableHTTP,
		},
		{
			name: "command only",
			desc: caphub.ServerDescriptor{Command: "mytool", Args: []string{"--mcp"}},
			want: caphub.TransportStdio,
		},
		{
			name: "empty descriptor falls back to stdio",
			desc: caphub.ServerDescriptor{},
			want: caphub.TransportStdio,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := caphub.ResolveTransport(tt.desc)
			if got != tt.want {
				t.Errorf("ResolveTransport() = %q, want %q", got, tt.want)
			}
		})
	}
}
