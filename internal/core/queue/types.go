// Package queue implements the durable build queue: atomic claim, retries
// with exponential backoff and jitter, dead-lettering.
package queue

import "time"

// Status is a queue item's lifecycle state.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusDispatched  Status = "dispatched"
	StatusCompleted   Status = "completed"
	// StatusFailed is part of the data model but is not produced by any
	// store operation: mark-failed always resolves to either pending
	// (retry) or dead-letter (exhausted), never leaving an item parked in
	// a bare "failed" state.
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// Item is a build awaiting or in dispatch. Queue items are exclusively
// owned by the durable store; callers receive copies.
type Item struct {
	ID           string
	BuildID      string
	JobID        string
	Payload      []byte // opaque JSON-serializable payload, carries org-id
	Labels       []string
	Status       Status
	RetryCount   int
	MaxRetries   int
	EnqueuedAt   time.Time
	DispatchedAt *time.Time
	CompletedAt  *time.Time
	NextRetryAt  *time.Time
	AgentID      *string
	LastError    string
}

func (i *Item) clone() *Item {
	cp := *i
	cp.Labels = append([]string(nil), i.Labels...)
	cp.Payload = append([]byte(nil), i.Payload...)
	if i.DispatchedAt != nil {
		t := *i.DispatchedAt
		cp.DispatchedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	if i.NextRetryAt != nil {
		t := *i.NextRetryAt
		cp.NextRetryAt = &t
	}
	if i.AgentID != nil {
		id := *i.AgentID
		cp.AgentID = &id
	}
	return &cp
}

// FailOutcome reports which branch mark-failed took.
type FailOutcome string

const (
	FailOutcomeRetried    FailOutcome = "retried"
	FailOutcomeDeadLetter FailOutcome = "dead_letter"
)
