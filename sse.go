package caphub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// sseTransport holds a long-lived Server-Sent Events stream for inbound
// frames; outbound frames are posted to a message endpoint the server
// announces through its first event. Connect does not return until that
// endpoint event arrives, so the handshake can never race the stream setup.
type sseTransport struct {
	desc       ServerDescriptor
	httpClient *http.Client
	logger     *slog.Logger

	// messageURL is written by the stream goroutine before the ready channel
	// closes and only read afterwards.
	messageURL string

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.ReadCloser
	closed bool

	// done is closed by Close so the stream goroutine can abandon a frame
	// send that no consumer will ever drain.
	done    chan struct{}
	dropped atomic.Int64
}

func newSSETransport(desc ServerDescriptor, httpClient *http.Client, logger *slog.Logger) *sseTransport {
	return &sseTransport{
		desc:       desc,
		httpClient: httpClient,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

func (t *sseTransport) Connect(ctx context.Context) (iter.Seq[Frame], error) {
	// The stream must outlive the connect call; its lifetime is bound to
	// Close, not to the caller's context. The handle is published under the
	// lock so a Close racing this call still releases it.
	streamCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.desc.URL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	applyHeaders(req, t.desc.Headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	t.mu.Lock()
	t.body = resp.Body
	t.mu.Unlock()

	ready := make(chan error, 1)
	frames := make(chan Frame)
	go t.listenEvents(resp.Body, ready, frames)

	select {
	case err := <-ready:
		if err != nil {
			t.Close()
			return nil, err
		}
	case <-ctx.Done():
		t.Close()
		return nil, ctx.Err()
	}

	return func(yield func(Frame) bool) {
		for frame := range frames {
			if !yield(frame) {
				return
			}
		}
	}, nil
}

// listenEvents consumes the event stream. The first "endpoint" event carries
// the URL outbound frames must be posted to; every "message" event carries one
// frame. Stream errors before the endpoint event fail the connect attempt;
// afterwards they just end the frame iterator.
func (t *sseTransport) listenEvents(body io.Reader, ready chan<- error, frames chan<- Frame) {
	defer close(frames)

	endpointSeen := false
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !endpointSeen {
				ready <- fmt.Errorf("stream failed before endpoint event: %w", err)
				return
			}
			if !errors.Is(err, context.Canceled) {
				t.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			endpoint, err := t.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- err
				return
			}
			t.messageURL = endpoint
			endpointSeen = true
			close(ready)
		case "message":
			if !endpointSeen {
				t.logger.Error("received message before endpoint event")
				continue
			}
			frame, ok := decodeFrame([]byte(ev.Data), t.logger, &t.dropped)
			if !ok {
				continue
			}
			select {
			case frames <- frame:
			case <-t.done:
				return
			}
		default:
			t.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	// A stream that ends cleanly before announcing its endpoint must still
	// fail the connect attempt rather than leave it blocked.
	if !endpointSeen {
		ready <- errors.New("stream ended before endpoint event")
	}
}

// resolveEndpoint interprets the announced message endpoint relative to the
// connect URL, so servers may send either absolute or path-only endpoints.
func (t *sseTransport) resolveEndpoint(raw string) (string, error) {
	base, err := url.Parse(t.desc.URL)
	if err != nil {
		return "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	endpoint, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	resolved := base.ResolveReference(endpoint).String()
	if resolved == "" {
		return "", errors.New("empty endpoint URL")
	}
	return resolved, nil
}

func (t *sseTransport) Send(ctx context.Context, frame Frame) error {
	msgBs, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	applyHeaders(req, t.desc.Headers)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Close is safe to call at any point, including while Connect is still in
// flight or repeatedly: each call releases whatever handles exist by then, so
// a connect attempt finishing after an early Close is still cleaned up by the
// follow-up Close on its transport.
func (t *sseTransport) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	cancel := t.cancel
	body := t.body
	t.cancel = nil
	t.body = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if body != nil {
		_ = body.Close()
	}
	return nil
}

func (t *sseTransport) DroppedFrames() int64 {
	return t.dropped.Load()
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
