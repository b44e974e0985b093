package caphub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCorrelator(counter *atomic.Int64) *correlator {
	return newCorrelator("test", counter, slog.Default())
}

func responseFrame(id RequestID) Frame {
	return Frame{JSONRPC: JSONRPCVersion, ID: id, Result: json.RawMessage(`{}`)}
}

func TestCorrelatorResolveDeliversOnce(t *testing.T) {
	var counter atomic.Int64
	c := newTestCorrelator(&counter)

	id, results := c.register(time.Minute)

	c.resolve(id, responseFrame(id))
	c.resolve(id, responseFrame(id))

	res := <-results
	if res.err != nil {
		t.Fatalf("unexpected error: %v", res.err)
	}
	if res.frame.ID != id {
		t.Errorf("resolved frame has id %d, want %d", res.frame.ID, id)
	}

	select {
	case extra := <-results:
		t.Fatalf("second resolve delivered a result: %+v", extra)
	default:
	}

	if got := c.orphans.Load(); got != 1 {
		t.Errorf("orphan count = %d, want 1", got)
	}
}

func TestCorrelatorRejectAfterResolveIsNoOp(t *testing.T) {
	var counter atomic.Int64
	c := newTestCorrelator(&counter)

	id, results := c.register(time.Minute)
	c.resolve(id, responseFrame(id))
	c.reject(id, errors.New("late error"))

	res := <-results
	if res.err != nil {
		t.Fatalf("reject overrode resolve: %v", res.err)
	}
	if c.pendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", c.pendingCount())
	}
}

func TestCorrelatorTimeoutRemovesEntry(t *testing.T) {
	var counter atomic.Int64
	c := newTestCorrelator(&counter)

	id, results := c.register(20 * time.Millisecond)

	res := <-results
	var timeoutErr *TimeoutError
	if !errors.As(res.err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", res.err)
	}
	if c.pendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", c.pendingCount())
	}

	// A late response must now be treated as an orphan.
	c.resolve(id, responseFrame(id))
	if got := c.orphans.Load(); got != 1 {
		t.Errorf("orphan count = %d, want 1", got)
	}
}

func TestCorrelatorFailAllEmptiesTable(t *testing.T) {
	var counter atomic.Int64
	c := newTestCorrelator(&counter)

	const n = 5
	var channels []<-chan pendingResult
	for range n {
		_, results := c.register(time.Minute)
		channels = append(channels, results)
	}

	c.failAll(ErrConnectionClosed)

	for i, results := range channels {
		res := <-results
		if !errors.Is(res.err, ErrConnectionClosed) {
			t.Errorf("request %d: expected connection-closed error, got %v", i, res.err)
		}
	}
	if c.pendingCount() != 0 {
		t.Errorf("pending count = %d, want 0", c.pendingCount())
	}
}

func TestCorrelatorDispatchDropsMalformedResponses(t *testing.T) {
	var counter atomic.Int64
	c := newTestCorrelator(&counter)

	id, results := c.register(time.Minute)

	// Result and error together violate the envelope invariant.
	c.dispatch(Frame{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  json.RawMessage(`{}`),
		Error:   &FrameError{Code: -32603, Message: "boom"},
	})
	// Neither result nor error is equally invalid.
	c.dispatch(Frame{JSONRPC: JSONRPCVersion, ID: id})

	select {
	case res := <-results:
		t.Fatalf("malformed frame was delivered: %+v", res)
	default:
	}
	if got := c.malformed.Load(); got != 2 {
		t.Errorf("malformed count = %d, want 2", got)
	}

	c.dispatch(responseFrame(id))
	res := <-results
	if res.err != nil {
		t.Fatalf("valid frame after malformed ones failed: %v", res.err)
	}
}

func TestCorrelatorDispatchRejectsWithFrameError(t *testing.T) {
	var counter atomic.Int64
	c := newTestCorrelator(&counter)

	id, results := c.register(time.Minute)
	c.dispatch(Frame{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &FrameError{Code: -32601, Message: "method not found"},
	})

	res := <-results
	var frameErr *FrameError
	if !errors.As(res.err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", res.err)
	}
	if frameErr.Code != -32601 {
		t.Errorf("error code = %d, want -32601", frameErr.Code)
	}
}

func TestCorrelatorIDsMonotonicAcrossConnections(t *testing.T) {
	var counter atomic.Int64
	a := newTestCorrelator(&counter)
	b := newTestCorrelator(&counter)

	var last RequestID
	for i := range 10 {
		c := a
		if i%2 == 1 {
			c = b
		}
		id, _ := c.register(time.Minute)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}
