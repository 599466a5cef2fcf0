// Package notify delivers position lifecycle alerts to operators over
// one or more channels. Delivery is best-effort: a failing channel is
// logged and skipped, it never blocks position processing.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier formats position commands into human-readable alerts and
// fans them out to every configured sender. Commands can be filtered so
// operators only receive the alerts they care about.
type Notifier struct {
	senders  []Sender
	commands map[string]bool
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. When commands is empty every command
// passes the filter.
func NewNotifier(senders []Sender, commands []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(commands))
	for _, c := range commands {
		allowed[strings.TrimSpace(c)] = true
	}
	return &Notifier{
		senders:  senders,
		commands: allowed,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// PositionCommand delivers one alert about a position. It satisfies the
// Alerter contract of the workers and target evaluators.
func (n *Notifier) PositionCommand(ctx context.Context, positionID, command string, payload map[string]any) {
	if len(n.senders) == 0 {
		return
	}
	if len(n.commands) > 0 && !n.commands[command] {
		n.logger.DebugContext(ctx, "command filtered out", slog.String("command", command))
		return
	}

	title := commandTitle(command)
	message := formatMessage(positionID, payload)

	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("command", command),
				slog.String("error", err.Error()))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("command", command))
	}
}

// commandTitle turns a snake_case command into a title line.
func commandTitle(command string) string {
	words := strings.Split(command, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// truncate caps text at the platform's message limit, keeping the head
// of the alert where the position id and command live.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	const marker = "\n[truncated]"
	return text[:limit-len(marker)] + marker
}

func formatMessage(positionID string, payload map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "position: %s", positionID)

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := payload[k].(type) {
		case float64:
			fmt.Fprintf(&b, "\n%s: %.8g", k, v)
		default:
			fmt.Fprintf(&b, "\n%s: %v", k, v)
		}
	}
	return b.String()
}
