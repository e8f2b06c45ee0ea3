// Package pending matches asynchronous delivery signals back to submissions.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is how long a submission waits for a delivery signal.
const DefaultTimeout = 5 * time.Second

var (
	ErrDuplicateID = errors.New("correlation id already tracked")
	ErrClosed      = errors.New("tracker closed")
)

// Status is the final state of a tracked submission.
type Status int

const (
	// Delivered means the server persisted and fanned out the message.
	Delivered Status = iota + 1
	// Failed means the server rejected the message.
	Failed
	// Unconfirmed means no signal arrived before the deadline. The message may still
	// have been stored.
	Unconfirmed
)

func (s Status) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Unconfirmed:
		return "sent-unconfirmed"
	}
	return "unknown"
}

// DeliveryError is the failure carried by a delivery_failed signal.
type DeliveryError struct {
	Code        string
	Description string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %s", e.Code, e.Description)
}

// Outcome resolves one tracked submission.
type Outcome struct {
	CorrelationID string
	Status        Status
	MessageID     int64
	Err           *DeliveryError
}

// Tracker holds in-flight submissions keyed by correlation id.
type Tracker struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	closed  bool
}

type waiter struct {
	ch    chan Outcome
	timer *time.Timer
}

func NewTracker() *Tracker {
	return &Tracker{waiters: make(map[string]*waiter)}
}

// Track registers id and returns a channel that receives exactly one Outcome.
// A non-positive timeout uses DefaultTimeout.
func (t *Tracker) Track(id string, timeout time.Duration) (<-chan Outcome, error) {
	ch, err := t.Hold(id)
	if err != nil {
		return nil, err
	}
	t.Arm(id, timeout)
	return ch, nil
}

// Hold registers id without starting its deadline. Arm starts it once the
// submission has actually been written.
func (t *Tracker) Hold(id string) (<-chan Outcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.waiters[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	w := &waiter{ch: make(chan Outcome, 1)}
	t.waiters[id] = w
	return w.ch, nil
}

// Arm starts the unconfirmed deadline of a held id. It reports false when id is
// unknown, resolved, or already armed.
func (t *Tracker) Arm(id string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.waiters[id]
	if !ok || w.timer != nil {
		return false
	}
	w.timer = time.AfterFunc(timeout, func() {
		t.Resolve(id, Outcome{Status: Unconfirmed})
	})
	return true
}

// Resolve completes id with outcome. It reports false when id is unknown or was
// already resolved; such signals are ignored.
func (t *Tracker) Resolve(id string, outcome Outcome) bool {
	t.mu.Lock()
	w, ok := t.waiters[id]
	if ok {
		delete(t.waiters, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	outcome.CorrelationID = id
	w.ch <- outcome
	close(w.ch)
	return true
}

// Delivered resolves id as delivered with the persisted message id.
func (t *Tracker) Delivered(id string, messageID int64) bool {
	return t.Resolve(id, Outcome{Status: Delivered, MessageID: messageID})
}

// Fail resolves id as failed.
func (t *Tracker) Fail(id, code, description string) bool {
	return t.Resolve(id, Outcome{Status: Failed, Err: &DeliveryError{Code: code, Description: description}})
}

// Has reports whether id is still waiting.
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiters[id]
	return ok
}

// Pending returns the number of unresolved submissions.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Close resolves every outstanding submission as unconfirmed and rejects new ones.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	ids := make([]string, 0, len(t.waiters))
	for id := range t.waiters {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.Resolve(id, Outcome{Status: Unconfirmed})
	}
}

// Wait blocks for the outcome or ctx cancellation.
func Wait(ctx context.Context, ch <-chan Outcome) (Outcome, error) {
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
