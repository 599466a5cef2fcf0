package domain

import (
	"context"
	"math/rand"
	"time"
)

// Named work queues, one per concern. The partitioning is a coarse
// priority/isolation mechanism: a slow accounting backlog cannot starve
// stop-loss processing.
const (
	QueueEntryTTL       = "entry-ttl"
	QueueDCA            = "dca"
	QueueTakeProfit     = "take-profit"
	QueueStopOrder      = "stop-order"
	QueueReduceOrder    = "reduce-order"
	QueueAccounting     = "accounting"
	QueueAccountingPost = "accounting-post"
	QueueLiquidation    = "liquidation"
	QueueStream         = "stream"
	QueueDeadLetter     = "dead-letter"
)

// Message is the unit of queued work. It carries at minimum a position
// id; consumers treat it as a hint to re-fetch current state under a
// lock, never as a snapshot to trust. Payload carries the raw execution
// event on the stream queue and stays empty elsewhere.
type Message struct {
	PositionID string `json:"positionId"`
	Attempt    int    `json:"attempt,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
}

// Queue is a durable, time-ordered, deduplicating work queue. Enqueue
// scores an item with a timestamp; Dequeue removes the lowest-score item,
// blocking up to wait when empty (ErrQueueEmpty on timeout).
// Re-enqueueing with a future score is the standard retry/backoff
// mechanism: a failed attempt is never dropped.
type Queue interface {
	Enqueue(ctx context.Context, queue string, msg Message, score time.Time, dedupe bool) error
	Dequeue(ctx context.Context, queue string, wait time.Duration) (Message, time.Time, error)
	Remove(ctx context.Context, queue string, msg Message) error
}

// SoftLocker provides cheap, advisory TTL-based mutual-exclusion markers
// scoped to (entityID, purpose). Failure to acquire is routine, not an
// error: the caller simply skips this cycle.
type SoftLocker interface {
	TryLock(ctx context.Context, entityID, purpose string, ttl time.Duration) (release func(), err error)
}

// EventBus publishes position lifecycle events for external
// notification/analytics consumers.
type EventBus interface {
	Publish(ctx context.Context, event PositionEvent) error
}

// PositionEvent is one entry on the events feed.
type PositionEvent struct {
	PositionID string    `json:"positionId"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	Time       time.Time `json:"time"`
}

// RetryPolicy bounds requeue attempts and spaces them out. It replaces
// ad hoc retry-by-recursion: every consumer applies the same policy
// through the queue.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries five times with linear backoff plus jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff: func(attempt int) time.Duration {
			base := time.Duration(attempt) * 2 * time.Second
			return base + time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// NextScore returns the queue score for the given retry attempt, or
// ok=false when the policy is exhausted.
func (p RetryPolicy) NextScore(now time.Time, attempt int) (time.Time, bool) {
	if attempt >= p.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Backoff(attempt)), true
}
