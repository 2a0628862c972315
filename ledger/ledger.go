// Package ledger tracks club-setup requests awaiting officer approval.
// Requests are short-lived process state, not domain data: they live in
// memory only, carry their own expiry independent of the data cache, and a
// restart drops them by design.
package ledger

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/senchouXflare/Mambo-the-Omniscient/fancount"
)

// DefaultTTL is how long a submitted request stays actionable.
const DefaultTTL = time.Hour

// Outcome is a terminal resolution an officer can apply.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Ledger is the in-memory pending request ledger. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	requests map[string]*fancount.PendingRequest
	now      func() time.Time // test hook
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		requests: map[string]*fancount.PendingRequest{},
		now:      time.Now,
	}
}

// Submit records a new pending request and returns its generated ID. A ttl
// <= 0 uses DefaultTTL.
func (l *Ledger) Submit(requesterID string, payload fancount.SetupPayload, ttl time.Duration) (string, error) {
	if requesterID == "" {
		return "", errors.New("ledger: requester id required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	id := uuid.New().String()
	l.requests[id] = &fancount.PendingRequest{
		RequestID:   id,
		RequesterID: requesterID,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Status:      fancount.StatusPending,
	}
	return id, nil
}

// Get returns a copy of the request, or ErrNotFound.
func (l *Ledger) Get(id string) (fancount.PendingRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return fancount.PendingRequest{}, errors.Mark(errors.Newf("request %s", id), fancount.ErrNotFound)
	}
	return *req, nil
}

// Resolve transitions a pending request to the given outcome. Exactly one
// caller wins a race; everyone else gets ErrAlreadyResolved. A request past
// its expiry cannot be resolved even if the sweeper has not visited it yet.
func (l *Ledger) Resolve(id string, outcome Outcome) (fancount.PendingRequest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.requests[id]
	if !ok {
		return fancount.PendingRequest{}, errors.Mark(errors.Newf("request %s", id), fancount.ErrNotFound)
	}
	if req.Status.Terminal() {
		return *req, errors.Mark(errors.Newf("request %s is %s", id, req.Status), fancount.ErrAlreadyResolved)
	}
	if !l.now().UTC().Before(req.ExpiresAt) {
		req.Status = fancount.StatusExpired
		return *req, errors.Mark(errors.Newf("request %s expired", id), fancount.ErrAlreadyResolved)
	}
	switch outcome {
	case OutcomeApproved:
		req.Status = fancount.StatusApproved
	case OutcomeRejected:
		req.Status = fancount.StatusRejected
	default:
		return *req, errors.Newf("ledger: unknown outcome %q", outcome)
	}
	return *req, nil
}

// Pending returns copies of all requests still awaiting resolution, skipping
// any whose expiry has passed.
func (l *Ledger) Pending() []fancount.PendingRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	var out []fancount.PendingRequest
	for _, req := range l.requests {
		if req.Status == fancount.StatusPending && now.Before(req.ExpiresAt) {
			out = append(out, *req)
		}
	}
	return out
}

// SweepExpired marks every overdue pending request expired and drops
// resolved requests from the map. Returns how many were newly expired.
func (l *Ledger) SweepExpired(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now = now.UTC()
	expired := 0
	for id, req := range l.requests {
		if req.Status == fancount.StatusPending && !now.Before(req.ExpiresAt) {
			req.Status = fancount.StatusExpired
			expired++
		}
		if req.Status.Terminal() {
			delete(l.requests, id)
		}
	}
	return expired
}

// Len returns the number of tracked requests, terminal or not.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.requests)
}
