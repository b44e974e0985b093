package caphub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

// streamableTransport speaks plain request/response HTTP: there is no
// persistent channel, and each Send is an HTTP POST whose response body is
// parsed as the matching frame. Parsed responses are injected into the inbound
// iterator before Send returns, so callers waiting on the correlator complete
// immediately rather than waiting on a push channel.
//
// A session token assigned through the Mcp-Session-Id response header is
// attached to every subsequent request, and to the DELETE issued on close.
type streamableTransport struct {
	desc       ServerDescriptor
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func newStreamableTransport(desc ServerDescriptor, httpClient *http.Client, logger *slog.Logger) *streamableTransport {
	return &streamableTransport{
		desc:       desc,
		httpClient: httpClient,
		logger:     logger,
		frames:     make(chan Frame, 8),
		done:       make(chan struct{}),
	}
}

func (t *streamableTransport) Connect(_ context.Context) (iter.Seq[Frame], error) {
	// No channel to open; the first POST is the first network contact.
	return func(yield func(Frame) bool) {
		for {
			select {
			case <-t.done:
				return
			case frame := <-t.frames:
				if !yield(frame) {
					return
				}
			}
		}
	}, nil
}

func (t *streamableTransport) Send(ctx context.Context, frame Frame) error {
	msgBs, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.desc.URL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	applyHeaders(req, t.desc.Headers)
	t.applySession(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	defer resp.Body.Close()

	if session := resp.Header.Get(SessionHeader); session != "" {
		t.mu.Lock()
		t.sessionID = session
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		// Notification accepted; nothing to parse.
		return nil
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) == 0 {
		return nil
	}

	res, ok := decodeFrame(body, t.logger, &t.dropped)
	if !ok {
		return nil
	}

	select {
	case t.frames <- res:
	case <-t.done:
	}
	return nil
}

func (t *streamableTransport) Close() error {
	t.closeOnce.Do(func() {
		t.deleteSession()
		close(t.done)
	})
	return nil
}

// deleteSession tells the server the session is over. Best effort: failures
// are logged and the local teardown proceeds regardless.
func (t *streamableTransport) deleteSession() {
	t.mu.Lock()
	session := t.sessionID
	t.mu.Unlock()
	if session == "" {
		return
	}

	req, err := http.NewRequest(http.MethodDelete, t.desc.URL, nil)
	if err != nil {
		return
	}
	applyHeaders(req, t.desc.Headers)
	req.Header.Set(SessionHeader, session)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Debug("failed to delete session", "err", err)
		return
	}
	resp.Body.Close()
}

func (t *streamableTransport) applySession(req *http.Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != "" {
		req.Header.Set(SessionHeader, t.sessionID)
	}
}

func (t *streamableTransport) DroppedFrames() int64 {
	return t.dropped.Load()
}
