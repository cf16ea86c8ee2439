package transport

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

type requestOutcome struct {
	payload json.RawMessage
	err     error
}

// pendingRequest is one live entry in the request/response table. The done
// flag guarantees exactly one resolution when a timeout races a late
// response: first CAS wins, the loser is a no-op.
type pendingRequest struct {
	id       string
	issuedAt time.Time
	done     int32
	result   chan requestOutcome
}

func newPendingRequest(id string) *pendingRequest {
	return &pendingRequest{
		id:       id,
		issuedAt: time.Now(),
		result:   make(chan requestOutcome, 1),
	}
}

// claim marks the request resolved. It returns false if someone else already
// resolved it.
func (p *pendingRequest) claim() bool {
	return atomic.CompareAndSwapInt32(&p.done, 0, 1)
}

func (p *pendingRequest) resolve(payload json.RawMessage) bool {
	if !p.claim() {
		return false
	}
	p.result <- requestOutcome{payload: payload}
	return true
}

func (p *pendingRequest) fail(err error) bool {
	if !p.claim() {
		return false
	}
	p.result <- requestOutcome{err: err}
	return true
}
