// Package worker runs the queue consumers: one generic loop per named
// queue, a periodic scanner that feeds the queues, and a sweeper that
// recovers locks from crashed workers.
package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/openfolio/posengine/internal/domain"
)

// Handler processes one dequeued message. A nil return acknowledges the
// message; domain.ErrRetryLater (or any non-systemic error) re-queues it
// under the retry policy; a systemic error backs the whole loop off.
type Handler func(ctx context.Context, msg domain.Message) error

// Loop consumes one named queue.
type Loop struct {
	queue   domain.Queue
	name    string
	handler Handler
	policy  domain.RetryPolicy
	wait    time.Duration
	logger  *slog.Logger
}

// NewLoop creates a consumer for the named queue.
func NewLoop(queue domain.Queue, name string, handler Handler, policy domain.RetryPolicy, wait time.Duration, logger *slog.Logger) *Loop {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Loop{
		queue:   queue,
		name:    name,
		handler: handler,
		policy:  policy,
		wait:    wait,
		logger:  logger.With(slog.String("component", "worker"), slog.String("queue", name)),
	}
}

// Run consumes until ctx is cancelled. Systemic failures (lost store,
// revoked credentials) pause the loop for a randomized interval instead
// of hot-spinning against a broken dependency.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.InfoContext(ctx, "queue loop started")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, _, err := l.queue.Dequeue(ctx, l.name, l.wait)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err == domain.ErrQueueEmpty:
				continue
			default:
				l.logger.ErrorContext(ctx, "dequeue failed", slog.String("error", err.Error()))
				l.pause(ctx, systemicBackoff())
				continue
			}
		}

		if err := l.handle(ctx, msg); err != nil {
			l.logger.ErrorContext(ctx, "systemic failure, backing off",
				slog.String("position_id", msg.PositionID),
				slog.String("error", err.Error()))
			l.pause(ctx, systemicBackoff())
		}
	}
}

// handle runs the handler and classifies the outcome. Only systemic
// errors propagate; everything retryable is absorbed into the queue.
func (l *Loop) handle(ctx context.Context, msg domain.Message) error {
	err := l.handler(ctx, msg)
	if err == nil {
		return nil
	}
	if domain.IsSystemic(err) {
		return err
	}
	l.requeue(ctx, msg, err)
	return nil
}

// requeue schedules the next attempt, or parks the message on the
// dead-letter queue once the policy is exhausted.
func (l *Loop) requeue(ctx context.Context, msg domain.Message, cause error) {
	now := time.Now().UTC()
	attempt := msg.Attempt + 1

	score, ok := l.policy.NextScore(now, attempt)
	if !ok {
		msg.Reason = l.name + ": " + cause.Error()
		if err := l.queue.Enqueue(ctx, domain.QueueDeadLetter, msg, now, false); err != nil {
			l.logger.ErrorContext(ctx, "dead-letter enqueue failed",
				slog.String("position_id", msg.PositionID),
				slog.String("error", err.Error()))
			return
		}
		l.logger.ErrorContext(ctx, "retries exhausted, message dead-lettered",
			slog.String("position_id", msg.PositionID),
			slog.Int("attempts", attempt),
			slog.String("cause", cause.Error()))
		return
	}

	msg.Attempt = attempt
	if err := l.queue.Enqueue(ctx, l.name, msg, score, false); err != nil {
		l.logger.ErrorContext(ctx, "requeue failed",
			slog.String("position_id", msg.PositionID),
			slog.String("error", err.Error()))
		return
	}
	l.logger.WarnContext(ctx, "message re-queued",
		slog.String("position_id", msg.PositionID),
		slog.Int("attempt", attempt),
		slog.Time("next_at", score),
		slog.String("cause", cause.Error()))
}

func (l *Loop) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// systemicBackoff spreads recovering workers out so they do not stampede
// a dependency that just came back.
func systemicBackoff() time.Duration {
	return 5*time.Second + time.Duration(rand.Int63n(int64(10*time.Second)))
}
