package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfolio/posengine/internal/domain"
)

type fakeStore struct {
	positions map[string]*domain.Position
	byStatus  []domain.Position
	open      []domain.Position
	reopened  []string
	reopenErr error
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
	return s.byStatus, nil
}
func (s *fakeStore) ListOpenForScan(ctx context.Context) ([]domain.Position, error) {
	return s.open, nil
}
func (s *fakeStore) Apply(ctx context.Context, id string, diff *domain.FieldDiff) error {
	return nil
}
func (s *fakeStore) AcquireHardLock(ctx context.Context, id, holder, purpose string, ttl time.Duration) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *fakeStore) ReleaseHardLock(ctx context.Context, id, holder, purpose string) error {
	return nil
}
func (s *fakeStore) ListExpiredLocks(ctx context.Context, grace time.Duration) ([]domain.Position, error) {
	return nil, nil
}
func (s *fakeStore) ForceUnlock(ctx context.Context, id string) error { return nil }
func (s *fakeStore) ReopenClosed(ctx context.Context, id string) error {
	if s.reopenErr != nil {
		return s.reopenErr
	}
	s.reopened = append(s.reopened, id)
	return nil
}

func testHandler(store *fakeStore) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Port: 8080}, store, logger).httpServer.Handler
}

func doRequest(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := testHandler(newFakeStore())
	rec := doRequest(t, h, http.MethodGet, "/api/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestGetPosition(t *testing.T) {
	store := newFakeStore(&domain.Position{ID: "pos-1", Symbol: "BTCUSDT", Status: domain.StatusOpen})
	h := testHandler(store)

	rec := doRequest(t, h, http.MethodGet, "/api/positions/pos-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var pos domain.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, "BTCUSDT", pos.Symbol)
}

func TestGetPositionNotFound(t *testing.T) {
	h := testHandler(newFakeStore())
	rec := doRequest(t, h, http.MethodGet, "/api/positions/ghost")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "position not found", body["error"])
}

func TestListPositionsDefault(t *testing.T) {
	store := newFakeStore()
	store.open = []domain.Position{{ID: "pos-1"}, {ID: "pos-2"}}
	h := testHandler(store)

	rec := doRequest(t, h, http.MethodGet, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var body listPositionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Positions, 2)
}

func TestListPositionsByStatus(t *testing.T) {
	store := newFakeStore()
	store.byStatus = []domain.Position{{ID: "pos-1", Status: domain.StatusClosed}}
	h := testHandler(store)

	rec := doRequest(t, h, http.MethodGet, "/api/positions?status=40,41")
	require.Equal(t, http.StatusOK, rec.Code)
	var body listPositionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Positions, 1)
	assert.Equal(t, "pos-1", body.Positions[0].ID)
}

func TestListPositionsBadStatusFilter(t *testing.T) {
	h := testHandler(newFakeStore())
	rec := doRequest(t, h, http.MethodGet, "/api/positions?status=open")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPositionsNeverReturnsNull(t *testing.T) {
	h := testHandler(newFakeStore())
	rec := doRequest(t, h, http.MethodGet, "/api/positions")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"positions":[]`)
}

func TestReopenPosition(t *testing.T) {
	store := newFakeStore()
	h := testHandler(store)

	rec := doRequest(t, h, http.MethodPost, "/api/positions/pos-1/reopen")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pos-1"}, store.reopened)
}

func TestReopenPositionNotClosed(t *testing.T) {
	store := newFakeStore()
	store.reopenErr = domain.ErrNotFound
	h := testHandler(store)

	rec := doRequest(t, h, http.MethodPost, "/api/positions/pos-1/reopen")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseStatuses(t *testing.T) {
	statuses, err := parseStatuses("20, 30,31")
	require.NoError(t, err)
	assert.Equal(t, []domain.Status{domain.StatusOpen, domain.StatusClosing, domain.StatusClosingTakeProfit}, statuses)

	_, err = parseStatuses("open")
	assert.Error(t, err)

	_, err = parseStatuses(" , ")
	assert.Error(t, err)
}
