package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentAlert struct {
	title   string
	message string
}

type fakeSender struct {
	name string
	err  error
	sent []sentAlert
}

func (s *fakeSender) Send(ctx context.Context, title, message string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentAlert{title: title, message: message})
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCommandTitle(t *testing.T) {
	tests := []struct {
		command string
		want    string
	}{
		{"position_closed", "Position Closed"},
		{"position_force_closed", "Position Force Closed"},
		{"stop_failed", "Stop Failed"},
		{"accounted", "Accounted"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, commandTitle(tt.command))
		})
	}
}

func TestFormatMessageSortsKeys(t *testing.T) {
	got := formatMessage("pos-1", map[string]any{
		"quantity": 0.125,
		"code":     "insufficient_balance",
		"attempt":  3,
	})
	want := "position: pos-1\nattempt: 3\ncode: insufficient_balance\nquantity: 0.125"
	assert.Equal(t, want, got)
}

func TestFormatMessageFloatPrecision(t *testing.T) {
	got := formatMessage("pos-1", map[string]any{"netProfit": 29.600000000000001})
	assert.Equal(t, "position: pos-1\nnetProfit: 29.6", got)
}

func TestTruncateRespectsPlatformLimit(t *testing.T) {
	long := strings.Repeat("x", 3000)
	got := truncate(long, discordContentLimit)
	assert.LessOrEqual(t, len(got), discordContentLimit)
	assert.True(t, strings.HasSuffix(got, "[truncated]"))

	short := "position: pos-1"
	assert.Equal(t, short, truncate(short, discordContentLimit))
}

func TestPositionCommandFansOut(t *testing.T) {
	a := &fakeSender{name: "telegram"}
	b := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{a, b}, nil, testLogger())

	n.PositionCommand(context.Background(), "pos-1", "position_closed", map[string]any{"status": 40})

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, "Position Closed", a.sent[0].title)
	assert.Contains(t, a.sent[0].message, "position: pos-1")
	assert.Contains(t, a.sent[0].message, "status: 40")
}

func TestPositionCommandFiltered(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, []string{"position_closed"}, testLogger())

	n.PositionCommand(context.Background(), "pos-1", "liquidation_warning", nil)
	assert.Empty(t, s.sent, "commands outside the allow-list are dropped")

	n.PositionCommand(context.Background(), "pos-1", "position_closed", nil)
	assert.Len(t, s.sent, 1)
}

func TestPositionCommandEmptyFilterAllowsAll(t *testing.T) {
	s := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	n.PositionCommand(context.Background(), "pos-1", "anything_at_all", nil)
	assert.Len(t, s.sent, 1)
}

func TestFailingSenderDoesNotBlockOthers(t *testing.T) {
	broken := &fakeSender{name: "telegram", err: errors.New("telegram unreachable")}
	working := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{broken, working}, nil, testLogger())

	n.PositionCommand(context.Background(), "pos-1", "position_closed", nil)
	assert.Len(t, working.sent, 1, "delivery is best-effort per channel")
}
