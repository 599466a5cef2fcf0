package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfolio/posengine/internal/domain"
)

// Shared fakes for the worker tests.

type fakeStore struct {
	positions     map[string]*domain.Position
	lockErr       error
	listOpenErr   error
	listLocksErr  error
	applied       []*domain.FieldDiff
	released      int
	expiredLocks  []domain.Position
	forceUnlocked []string
}

func newFakeStore(positions ...*domain.Position) *fakeStore {
	s := &fakeStore{positions: make(map[string]*domain.Position)}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	return s
}

func (s *fakeStore) Create(ctx context.Context, p domain.Position) error { return nil }
func (s *fakeStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	if p, ok := s.positions[id]; ok {
		return *p, nil
	}
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakeStore) FindByOrderID(ctx context.Context, orderID, symbol string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakeStore) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.positions {
		for _, st := range statuses {
			if p.Status == st {
				out = append(out, *p)
				break
			}
		}
	}
	return out, nil
}
func (s *fakeStore) ListOpenForScan(ctx context.Context) ([]domain.Position, error) {
	if s.listOpenErr != nil {
		return nil, s.listOpenErr
	}
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Closed {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}
func (s *fakeStore) Apply(ctx context.Context, id string, diff *domain.FieldDiff) error {
	s.applied = append(s.applied, diff)
	return nil
}
func (s *fakeStore) AcquireHardLock(ctx context.Context, id, holder, purpose string, ttl time.Duration) (domain.Position, error) {
	if s.lockErr != nil {
		return domain.Position{}, s.lockErr
	}
	return s.GetByID(ctx, id)
}
func (s *fakeStore) ReleaseHardLock(ctx context.Context, id, holder, purpose string) error {
	s.released++
	return nil
}
func (s *fakeStore) ListExpiredLocks(ctx context.Context, grace time.Duration) ([]domain.Position, error) {
	if s.listLocksErr != nil {
		return nil, s.listLocksErr
	}
	return s.expiredLocks, nil
}
func (s *fakeStore) ForceUnlock(ctx context.Context, id string) error {
	s.forceUnlocked = append(s.forceUnlocked, id)
	return nil
}
func (s *fakeStore) ReopenClosed(ctx context.Context, id string) error { return nil }

type fakeGateway struct {
	mark       float64
	liqPrice   float64
	filters    domain.SymbolFilters
	placed     []domain.OrderRequest
	cancelled  []string
	nextResult domain.OrderResult
	orderSeq   int
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.placed = append(g.placed, req)
	res := g.nextResult
	if res.OrderID == "" && res.Business == nil {
		g.orderSeq++
		res = domain.OrderResult{
			OrderID:       "ord-" + string(rune('a'+g.orderSeq)),
			ClientOrderID: req.ClientOrderID,
			Status:        domain.OrderStatusPlaced,
		}
	}
	return res, nil
}
func (g *fakeGateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	g.cancelled = append(g.cancelled, orderID)
	return nil
}
func (g *fakeGateway) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return g.mark, nil
}
func (g *fakeGateway) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	return g.filters, nil
}
func (g *fakeGateway) LiquidationPrice(ctx context.Context, symbol string) (float64, error) {
	return g.liqPrice, nil
}
func (g *fakeGateway) HistoricalPrice(ctx context.Context, symbol string, at time.Time) (float64, error) {
	return 0, domain.ErrPriceUnavailable
}
func (g *fakeGateway) OrderTrades(ctx context.Context, symbol, orderID string) ([]domain.Trade, error) {
	return nil, nil
}
func (g *fakeGateway) FundingPayments(ctx context.Context, symbol string, from, to time.Time) ([]domain.FundingPayment, error) {
	return nil, nil
}

type enqueued struct {
	queue  string
	msg    domain.Message
	score  time.Time
	dedupe bool
}

type fakeQueue struct {
	items []enqueued
}

func (q *fakeQueue) Enqueue(ctx context.Context, queue string, msg domain.Message, score time.Time, dedupe bool) error {
	q.items = append(q.items, enqueued{queue: queue, msg: msg, score: score, dedupe: dedupe})
	return nil
}
func (q *fakeQueue) Dequeue(ctx context.Context, queue string, wait time.Duration) (domain.Message, time.Time, error) {
	return domain.Message{}, time.Time{}, domain.ErrQueueEmpty
}
func (q *fakeQueue) Remove(ctx context.Context, queue string, msg domain.Message) error {
	return nil
}

func (q *fakeQueue) queues() []string {
	out := make([]string, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.queue)
	}
	return out
}

type alertRecord struct {
	positionID string
	command    string
	payload    map[string]any
}

type fakeAlerter struct {
	alerts []alertRecord
}

func (a *fakeAlerter) PositionCommand(ctx context.Context, positionID, command string, payload map[string]any) {
	a.alerts = append(a.alerts, alertRecord{positionID: positionID, command: command, payload: payload})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
}

func TestLoopAcksSuccess(t *testing.T) {
	queue := &fakeQueue{}
	handler := func(ctx context.Context, msg domain.Message) error { return nil }
	l := NewLoop(queue, domain.QueueDCA, handler, testPolicy(), time.Second, testLogger())

	err := l.handle(context.Background(), domain.Message{PositionID: "pos-1"})
	require.NoError(t, err)
	assert.Empty(t, queue.items)
}

func TestLoopRequeuesRetryableError(t *testing.T) {
	queue := &fakeQueue{}
	handler := func(ctx context.Context, msg domain.Message) error {
		return domain.ErrRetryLater
	}
	l := NewLoop(queue, domain.QueueDCA, handler, testPolicy(), time.Second, testLogger())

	before := time.Now().UTC()
	err := l.handle(context.Background(), domain.Message{PositionID: "pos-1"})
	require.NoError(t, err, "retryable errors are absorbed into the queue")

	require.Len(t, queue.items, 1)
	it := queue.items[0]
	assert.Equal(t, domain.QueueDCA, it.queue)
	assert.Equal(t, 1, it.msg.Attempt)
	assert.False(t, it.dedupe, "retries must not collapse into a pending duplicate")
	assert.True(t, it.score.After(before), "next attempt is scheduled in the future")
}

func TestLoopDeadLettersAfterExhaustedRetries(t *testing.T) {
	queue := &fakeQueue{}
	handler := func(ctx context.Context, msg domain.Message) error {
		return errors.New("venue timeout")
	}
	l := NewLoop(queue, domain.QueueStopOrder, handler, testPolicy(), time.Second, testLogger())

	err := l.handle(context.Background(), domain.Message{PositionID: "pos-1", Attempt: 2})
	require.NoError(t, err)

	require.Len(t, queue.items, 1)
	it := queue.items[0]
	assert.Equal(t, domain.QueueDeadLetter, it.queue)
	assert.Equal(t, "stop-order: venue timeout", it.msg.Reason)
}

func TestLoopPropagatesSystemicError(t *testing.T) {
	queue := &fakeQueue{}
	handler := func(ctx context.Context, msg domain.Message) error {
		return domain.ErrStoreUnavailable
	}
	l := NewLoop(queue, domain.QueueDCA, handler, testPolicy(), time.Second, testLogger())

	err := l.handle(context.Background(), domain.Message{PositionID: "pos-1"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Empty(t, queue.items, "systemic failures back the loop off instead of retrying")
}
