package caphub

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// pendingResult is what a caller waiting on a correlated request receives:
// the matching response frame, or the error that ended the wait.
type pendingResult struct {
	frame Frame
	err   error
}

type pendingRequest struct {
	id        RequestID
	ch        chan pendingResult
	timer     *time.Timer
	createdAt time.Time
}

// correlator matches asynchronous response frames to the requests that are
// waiting for them. Identifiers come from a counter shared across all
// connections of a Registry, so they stay monotonic process-wide; the pending
// table and its lock are per connection, so unrelated servers never contend.
//
// resolve, reject, and expire are idempotent no-ops once an identifier has
// left the table. Removal is the only mutation: a late response racing a
// firing timeout can never double-deliver, the loser just finds the entry
// gone and counts an orphan.
type correlator struct {
	server  string
	counter *atomic.Int64
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[RequestID]*pendingRequest

	orphans   atomic.Int64
	malformed atomic.Int64
}

func newCorrelator(server string, counter *atomic.Int64, logger *slog.Logger) *correlator {
	return &correlator{
		server:  server,
		counter: counter,
		logger:  logger,
		pending: make(map[RequestID]*pendingRequest),
	}
}

// register allocates the next request identifier and a completion channel the
// caller blocks on. A timeout is scheduled immediately; if it fires before a
// matching frame arrives, the entry is rejected with a TimeoutError.
func (c *correlator) register(timeout time.Duration) (RequestID, <-chan pendingResult) {
	id := RequestID(c.counter.Add(1))
	p := &pendingRequest{
		id:        id,
		ch:        make(chan pendingResult, 1),
		createdAt: time.Now(),
	}

	// The timer is created under the lock so an immediate fire blocks in
	// expire until the entry is visible.
	c.mu.Lock()
	p.timer = time.AfterFunc(timeout, func() {
		c.expire(id, timeout)
	})
	c.pending[id] = p
	c.mu.Unlock()

	return id, p.ch
}

// dispatch routes one inbound response frame. Frames that violate the
// exactly-one-of-result-or-error invariant are dropped and counted; frames
// whose identifier is no longer pending are orphans.
func (c *correlator) dispatch(frame Frame) {
	if !frame.isValidResponse() {
		c.malformed.Add(1)
		c.logger.Error("dropping malformed response frame", "server", c.server, "id", int64(frame.ID))
		return
	}

	if frame.Error != nil {
		c.reject(frame.ID, frame.Error)
		return
	}
	c.resolve(frame.ID, frame)
}

func (c *correlator) resolve(id RequestID, frame Frame) {
	p := c.take(id)
	if p == nil {
		c.orphans.Add(1)
		c.logger.Debug("ignoring orphan response", "server", c.server, "id", int64(id))
		return
	}
	p.ch <- pendingResult{frame: frame}
}

func (c *correlator) reject(id RequestID, err error) {
	p := c.take(id)
	if p == nil {
		c.orphans.Add(1)
		c.logger.Debug("ignoring orphan rejection", "server", c.server, "id", int64(id))
		return
	}
	p.ch <- pendingResult{err: err}
}

func (c *correlator) expire(id RequestID, timeout time.Duration) {
	p := c.take(id)
	if p == nil {
		return
	}
	p.ch <- pendingResult{err: &TimeoutError{Server: c.server, Timeout: timeout}}
}

// failAll rejects every pending request with the given error and empties the
// table. Used when the owning connection is torn down so no caller hangs.
func (c *correlator) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[RequestID]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- pendingResult{err: err}
	}
}

// take removes and returns the pending entry for id, or nil if the identifier
// is absent because it already completed, expired, or was never registered.
func (c *correlator) take(id RequestID) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
