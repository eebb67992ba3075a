package syncer

import (
	"context"
	"errors"
	"time"
)

// Action is one queued write awaiting delivery. It survives restarts in the
// sync-queue namespace and is mutated only by flush passes.
type Action struct {
	ID          string    `json:"id"`
	Tag         string    `json:"tag"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError,omitempty"`
	NextRetryAt time.Time `json:"nextRetryAt,omitempty"`
}

// ActionState is the derived lifecycle position of a queued action.
type ActionState int

const (
	StatePending ActionState = iota
	StateRetryScheduled
	StateExhausted
)

func (s ActionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetryScheduled:
		return "retry-scheduled"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s ActionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QueuedAction pairs an action with its derived state for diagnostics.
type QueuedAction struct {
	Action
	State ActionState `json:"state"`
}

// Result summarises one flush pass over the queue.
type Result struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Remaining  int `json:"remaining"`
}

// RetryStats is the queue snapshot exposed on the status surface.
type RetryStats struct {
	QueuedActions int            `json:"queuedActions"`
	Actions       []QueuedAction `json:"actions"`
	DeadLetters   int            `json:"deadLetters"`
}

// Policy bounds RetryWithBackoff. Zero fields fall back to the configured
// sync defaults.
type Policy struct {
	Attempts   uint
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// Executor delivers one queued action. A false ok or a non-nil error counts
// as a failed delivery and consumes an attempt; returning ErrSkip leaves the
// action queued untouched.
type Executor func(ctx context.Context, actionType string, payload []byte) (ok bool, err error)

// ErrSkip tells the flush loop an executor does not handle this action
// type; the action stays queued for another executor.
var ErrSkip = errors.New("syncer: action skipped")

// ErrNoExecutor reports a flush attempt before any executor was registered.
var ErrNoExecutor = errors.New("syncer: no executor registered")
