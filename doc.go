// Package caphub implements a client hub for capability servers: external
// processes or network endpoints that expose callable tools and readable
// resources through a JSON-RPC 2.0 style protocol.
//
// The hub connects to each server over one of four wire transports (child
// process over stdio, Server-Sent Events, WebSocket, or plain request/response
// HTTP), performs the initialize handshake, discovers the server's tool and
// resource catalogs, and correlates asynchronous response frames back to the
// callers that issued them.
//
// A Registry holds all connections by server name. Callers supply
// ServerDescriptor values describing how to reach each server, then use
// ConnectServer, CallTool, ReadResource, ListTools, and ListResources to
// interact with them. Connections that lose their underlying channel are
// marked disconnected and must be explicitly reconnected; the hub never
// retries on its own.
package caphub
