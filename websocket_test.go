package caphub_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/graftlabs/caphub"
)

// wsAnswer lets a test replace the canned responder for individual frames.
// Returning false drops the frame without answering.
type wsAnswer func(conn *websocket.Conn, frame caphub.Frame) bool

// newWebSocketTestServer serves the canned capability server over a duplex
// websocket. The returned descriptor points at it with a ws scheme URL.
func newWebSocketTestServer(t *testing.T, name string, hook wsAnswer) caphub.ServerDescriptor {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var frame caphub.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if hook != nil && hook(conn, frame) {
				continue
			}

			res := answerFrame(frame)
			if res == nil {
				continue
			}
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return caphub.ServerDescriptor{
		Name: name,
		URL:  strings.Replace(srv.URL, "http", "ws", 1),
	}
}

func TestWebSocketConnectAndCallTool(t *testing.T) {
	reg := caphub.NewRegistry([]caphub.ServerDescriptor{newWebSocketTestServer(t, "ws", nil)})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.ConnectServer(ctx, "ws"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	tools, err := reg.ListTools("ws")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("tools = %+v, want one search tool", tools)
	}

	res, err := reg.CallTool(ctx, "ws", "search", map[string]string{"q": "hub"})
	if err != nil {
		t.Fatalf("call tool failed: %v", err)
	}
	if len(res.Content) != 1 || !strings.Contains(res.Content[0].Text, "hub") {
		t.Errorf("content = %+v, want echoed arguments", res.Content)
	}
}

func TestWebSocketOrphanResponsesAreCounted(t *testing.T) {
	hook := func(conn *websocket.Conn, frame caphub.Frame) bool {
		if frame.Method != caphub.MethodToolsCall {
			return false
		}
		// An unsolicited response with a never-issued identifier, then the
		// real answer.
		orphan := &caphub.Frame{
			JSONRPC: caphub.JSONRPCVersion,
			ID:      9999,
			Result:  json.RawMessage(`{}`),
		}
		if err := conn.WriteJSON(orphan); err != nil {
			return true
		}
		conn.WriteJSON(answerFrame(frame))
		return true
	}

	reg := caphub.NewRegistry([]caphub.ServerDescriptor{newWebSocketTestServer(t, "ws", hook)})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.ConnectServer(ctx, "ws"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := reg.CallTool(ctx, "ws", "search", nil); err != nil {
		t.Fatalf("call tool failed: %v", err)
	}

	stats, err := reg.Stats("ws")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.OrphanResponses != 1 {
		t.Errorf("orphan responses = %d, want 1", stats.OrphanResponses)
	}
	if stats.PendingRequests != 0 {
		t.Errorf("pending requests = %d, want 0", stats.PendingRequests)
	}
}

func TestWebSocketCallTimesOut(t *testing.T) {
	hook := func(conn *websocket.Conn, frame caphub.Frame) bool {
		// Swallow tool calls so the pending entry can only expire.
		return frame.Method == caphub.MethodToolsCall
	}

	desc := newWebSocketTestServer(t, "ws", hook)
	desc.Timeout = 200 * time.Millisecond
	reg := caphub.NewRegistry([]caphub.ServerDescriptor{desc})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.ConnectServer(ctx, "ws"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	_, err := reg.CallTool(ctx, "ws", "search", nil)
	var timeoutErr *caphub.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	// A timed-out call must not change the connection's state.
	state, stateErr := reg.ServerState("ws")
	if stateErr != nil {
		t.Fatalf("server state: %v", stateErr)
	}
	if state != caphub.StateReady {
		t.Errorf("state = %s, want ready", state)
	}
}

func TestWebSocketServerCloseRejectsPending(t *testing.T) {
	hook := func(conn *websocket.Conn, frame caphub.Frame) bool {
		if frame.Method != caphub.MethodToolsCall {
			return false
		}
		conn.Close()
		return true
	}

	reg := caphub.NewRegistry([]caphub.ServerDescriptor{newWebSocketTestServer(t, "ws", hook)})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.ConnectServer(ctx, "ws"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	_, err := reg.CallTool(ctx, "ws", "search", nil)
	if !errors.Is(err, caphub.ErrConnectionClosed) {
		t.Fatalf("expected connection-closed error, got %v", err)
	}

	waitForState(t, reg, "ws", caphub.StateDisconnected)
}

func TestWebSocketUndecodableFramesAreCounted(t *testing.T) {
	hook := func(conn *websocket.Conn, frame caphub.Frame) bool {
		if frame.Method != caphub.MethodToolsCall {
			return false
		}
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(answerFrame(frame))
		return true
	}

	reg := caphub.NewRegistry([]caphub.ServerDescriptor{newWebSocketTestServer(t, "ws", hook)})
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := reg.ConnectServer(ctx, "ws"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if _, err := reg.CallTool(ctx, "ws", "search", nil); err != nil {
		t.Fatalf("call tool failed: %v", err)
	}

	stats, err := reg.Stats("ws")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DroppedFrames != 1 {
		t.Errorf("dropped frames = %d, want 1", stats.DroppedFrames)
	}
}

// waitForState polls until the server reaches the wanted state. Teardown after
// a remote close runs on the read goroutine, so tests observing it must wait.
func waitForState(t *testing.T, reg *caphub.Registry, server string, want caphub.ConnState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := reg.ServerState(server)
		if err != nil {
			t.Fatalf("server state: %v", err)
		}
		if state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %q never reached state %s", server, want)
}
