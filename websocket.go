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
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport exchanges frames over a full-duplex WebSocket. Each text
// message is one frame; the socket's own message boundaries provide the
// framing, so no additional delimiting is applied.
type wsTransport struct {
	desc   ServerDescriptor
	logger *slog.Logger

	conn *websocket.Conn

	// writeMu serializes writers; gorilla/websocket allows at most one
	// concurrent writer per connection.
	writeMu   sync.Mutex
	dropped   atomic.Int64
	closeOnce sync.Once
}

func newWSTransport(desc ServerDescriptor, logger *slog.Logger) *wsTransport {
	return &wsTransport{
		desc:   desc,
		logger: logger,
	}
}

func (t *wsTransport) Connect(ctx context.Context) (iter.Seq[Frame], error) {
	header := make(http.Header, len(t.desc.Headers))
	for k, v := range t.desc.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.desc.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %q (status %d): %w", t.desc.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %q: %w", t.desc.URL, err)
	}
	// Published under the write lock so a concurrent Close either sees no
	// socket yet and leaves closeOnce unconsumed, or sees the dialed one.
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	return t.readFrames(conn), nil
}

func (t *wsTransport) readFrames(conn *websocket.Conn) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Error("failed to read from socket", "err", err)
				}
				return
			}

			frame, ok := decodeFrame(data, t.logger, &t.dropped)
			if !ok {
				continue
			}
			if !yield(frame) {
				return
			}
		}
	}
}

func (t *wsTransport) Send(ctx context.Context, frame Frame) error {
	msgBs, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, msgBs); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.writeMu.Lock()
	conn := t.conn
	t.writeMu.Unlock()

	// Close before the dial completes has nothing to release, and must not
	// consume closeOnce: the socket still has to be closed once it exists.
	if conn == nil {
		return nil
	}

	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = conn.Close()
	})
	return err
}

func (t *wsTransport) DroppedFrames() int64 {
	return t.dropped.Load()
}
