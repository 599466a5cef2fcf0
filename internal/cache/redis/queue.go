package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfolio/posengine/internal/domain"
)

// popDueLua atomically inspects the head of a queue and removes it only
// when its score is due. It returns {member, score} for a due head,
// {"", score} for a head still scheduled in the future, and nil for an
// empty queue. Popping and the due check run in one script so two
// consumers never hand out the same member and a future-scored member is
// never delivered early.
const popDueLua = `
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head == 0 then
    return nil
end
if tonumber(head[2]) > tonumber(ARGV[1]) then
    return {'', head[2]}
end
redis.call('ZREM', KEYS[1], head[1])
return {head[1], head[2]}
`

// idlePollInterval is how long Dequeue sleeps between polls of an empty
// queue before the wait deadline.
const idlePollInterval = 500 * time.Millisecond

// WorkQueue implements domain.Queue on Redis sorted sets. Each named
// queue is one sorted set whose members are the JSON-encoded messages
// and whose scores are millisecond timestamps: the score is the earliest
// moment a member may be delivered, so a future score doubles as the
// delay/retry mechanism. Dequeue only ever hands out members whose score
// has come due.
type WorkQueue struct {
	rdb    *redis.Client
	popDue *redis.Script
}

// NewWorkQueue creates a WorkQueue backed by the given Client.
func NewWorkQueue(c *Client) *WorkQueue {
	return &WorkQueue{
		rdb:    c.Underlying(),
		popDue: redis.NewScript(popDueLua),
	}
}

func queueKey(name string) string {
	return key("queue", name)
}

// Enqueue adds a message to the named queue with the given score. With
// dedupe set, an identical message already present keeps its existing
// score and the call is a no-op; this is how "don't double-schedule this
// position" is enforced without a separate lock.
func (q *WorkQueue) Enqueue(ctx context.Context, queue string, msg domain.Message, score time.Time, dedupe bool) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal queue message: %w", err)
	}

	member := redis.Z{
		Score:  float64(score.UnixMilli()),
		Member: payload,
	}

	if dedupe {
		err = q.rdb.ZAddNX(ctx, queueKey(queue), member).Err()
	} else {
		err = q.rdb.ZAdd(ctx, queueKey(queue), member).Err()
	}
	if err != nil {
		return fmt.Errorf("redis: enqueue %s: %w", queue, err)
	}
	return nil
}

// Dequeue waits up to wait for a due item of the named queue and removes
// it atomically. A member whose score lies in the future is left in
// place until it comes due; Dequeue sleeps until the head's due time (or
// the idle interval when the queue is empty) between polls. It returns
// domain.ErrQueueEmpty when the wait elapses without a due item.
func (q *WorkQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (domain.Message, time.Time, error) {
	deadline := time.Now().Add(wait)

	for {
		now := time.Now()

		var dueAt time.Time
		res, err := q.popDue.Run(ctx, q.rdb, []string{queueKey(queue)}, now.UnixMilli()).Slice()
		switch {
		case errors.Is(err, redis.Nil):
			// Empty queue; fall through to the idle sleep.
		case err != nil:
			return domain.Message{}, time.Time{}, fmt.Errorf("redis: dequeue %s: %w", queue, err)
		default:
			raw, scoreMs, perr := decodePopReply(res)
			if perr != nil {
				return domain.Message{}, time.Time{}, fmt.Errorf("redis: dequeue %s: %w", queue, perr)
			}
			if raw != "" {
				var msg domain.Message
				if err := json.Unmarshal([]byte(raw), &msg); err != nil {
					return domain.Message{}, time.Time{}, fmt.Errorf("redis: decode queue message: %w", err)
				}
				return msg, time.UnixMilli(scoreMs), nil
			}
			dueAt = time.UnixMilli(scoreMs)
		}

		delay := nextPollDelay(now, dueAt, deadline, idlePollInterval)
		if delay <= 0 {
			return domain.Message{}, time.Time{}, domain.ErrQueueEmpty
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.Message{}, time.Time{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// decodePopReply unpacks the {member, score} pair the pop script
// returns. Scores come back as Lua numbers or bulk strings depending on
// the server version.
func decodePopReply(res []interface{}) (raw string, scoreMs int64, err error) {
	if len(res) != 2 {
		return "", 0, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	raw, ok := res[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected member type %T", res[0])
	}
	switch v := res[1].(type) {
	case string:
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return "", 0, fmt.Errorf("malformed score %q: %w", v, perr)
		}
		scoreMs = int64(f)
	case int64:
		scoreMs = v
	case float64:
		scoreMs = int64(v)
	default:
		return "", 0, fmt.Errorf("unexpected score type %T", res[1])
	}
	return raw, scoreMs, nil
}

// nextPollDelay computes how long Dequeue sleeps before its next poll:
// until the head comes due when one is scheduled, otherwise one idle
// interval, both capped by the wait deadline. A non-positive result
// means the wait has elapsed.
func nextPollDelay(now, dueAt, deadline time.Time, idle time.Duration) time.Duration {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0
	}

	delay := idle
	if !dueAt.IsZero() {
		if d := dueAt.Sub(now); d < delay {
			delay = d
		}
	}
	if delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		// The head came due while we were deciding; poll again almost
		// immediately rather than busy-spinning.
		delay = time.Millisecond
	}
	return delay
}

// Remove deletes a specific message from the named queue, if present.
func (q *WorkQueue) Remove(ctx context.Context, queue string, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal queue message: %w", err)
	}
	if err := q.rdb.ZRem(ctx, queueKey(queue), payload).Err(); err != nil {
		return fmt.Errorf("redis: remove from %s: %w", queue, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.Queue = (*WorkQueue)(nil)
