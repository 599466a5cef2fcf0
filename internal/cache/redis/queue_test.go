package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPollDelay(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	idle := 500 * time.Millisecond

	tests := []struct {
		name     string
		dueAt    time.Time
		deadline time.Time
		want     time.Duration
	}{
		{
			"empty queue sleeps one idle interval",
			time.Time{},
			now.Add(5 * time.Second),
			idle,
		},
		{
			"head due soon shortens the sleep",
			now.Add(120 * time.Millisecond),
			now.Add(5 * time.Second),
			120 * time.Millisecond,
		},
		{
			"head due far away still wakes at the idle interval",
			now.Add(30 * time.Second),
			now.Add(5 * time.Second),
			idle,
		},
		{
			"deadline caps the sleep",
			now.Add(30 * time.Second),
			now.Add(200 * time.Millisecond),
			200 * time.Millisecond,
		},
		{
			"deadline passed means give up",
			time.Time{},
			now.Add(-time.Millisecond),
			0,
		},
		{
			"head already due polls again immediately",
			now.Add(-time.Second),
			now.Add(5 * time.Second),
			time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextPollDelay(now, tt.dueAt, tt.deadline, idle))
		})
	}
}

func TestDecodePopReply(t *testing.T) {
	raw, score, err := decodePopReply([]interface{}{`{"positionId":"pos-1"}`, "1748779200000"})
	require.NoError(t, err)
	assert.Equal(t, `{"positionId":"pos-1"}`, raw)
	assert.Equal(t, int64(1748779200000), score)

	// A future-scored head comes back with an empty member and just the
	// score, so the consumer can sleep until it is due.
	raw, score, err = decodePopReply([]interface{}{"", int64(1748779230000)})
	require.NoError(t, err)
	assert.Empty(t, raw)
	assert.Equal(t, int64(1748779230000), score)

	_, _, err = decodePopReply([]interface{}{"only-one"})
	assert.Error(t, err)

	_, _, err = decodePopReply([]interface{}{"m", "not-a-number"})
	assert.Error(t, err)
}
