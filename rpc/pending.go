package rpc

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"noslated-ipc/logging"
	"noslated-ipc/message"
	"noslated-ipc/protocol"
)

// Callback receives the outcome of one request: a code, the peer's error
// payload for non-OK codes (may be nil), and the typed response for OK.
type Callback func(code protocol.Code, errResp *message.ErrorResponse, resp any)

var (
	errDuplicateID   = errors.New("request id already pending")
	errPendingClosed = errors.New("pending table closed")
)

type pendingRequest struct {
	kind     protocol.RequestKind
	callback Callback
	timer    *time.Timer
}

// Pending is the correlation table: request id → callback and timer.
// Every entry is removed exactly once, by whichever of response, timeout or
// Close gets to it first, and its callback runs exactly once.
type Pending struct {
	logger logging.Logger

	mu      sync.Mutex
	entries map[uint32]*pendingRequest
	closed  bool
}

// NewPending returns an empty table.
func NewPending(logger logging.Logger) *Pending {
	return &Pending{
		logger:  logging.OrDefault(logger),
		entries: make(map[uint32]*pendingRequest),
	}
}

// Add registers cb under id and arms a timer that resolves the entry with
// TIMEOUT after timeout. It fails if id is taken or the table is closed.
func (p *Pending) Add(id uint32, kind protocol.RequestKind, cb Callback, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errPendingClosed
	}
	if _, ok := p.entries[id]; ok {
		return errors.Wrapf(errDuplicateID, "%d", id)
	}

	entry := &pendingRequest{kind: kind, callback: cb}
	entry.timer = time.AfterFunc(timeout, func() {
		if p.Resolve(id, protocol.CodeTimeout, &message.ErrorResponse{Message: MessageTimeout}, nil) {
			p.logger.Debug("request timed out", "request_id", id, "kind", kind, "timeout", timeout)
		}
	})
	p.entries[id] = entry
	return nil
}

// Resolve removes id and runs its callback. It reports false when id is not
// pending, i.e. it was already resolved or never issued; the late result is
// dropped.
func (p *Pending) Resolve(id uint32, code protocol.Code, errResp *message.ErrorResponse, resp any) bool {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	entry.timer.Stop()
	entry.callback(code, errResp, resp)
	return true
}

// Kind returns the request kind of a pending id.
func (p *Pending) Kind(id uint32) (protocol.RequestKind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return 0, false
	}
	return entry.kind, true
}

// Len returns the number of outstanding requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close resolves every outstanding request with code and refuses new ones.
// It returns how many requests were settled.
func (p *Pending) Close(code protocol.Code, msg string) int {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[uint32]*pendingRequest)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.callback(code, &message.ErrorResponse{Message: msg}, nil)
	}
	return len(entries)
}
