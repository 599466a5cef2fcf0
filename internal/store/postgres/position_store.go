package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openfolio/posengine/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given
// connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionCols = `id, user_id, account_id, provider_id, symbol, side, settlement, leverage,
	status, closed, updating, accounted, accounting_post,
	locked_by, locked_purpose, locked_at,
	real_amount, remaining_amount, avg_entry_price, real_position_size, real_investment, allocated_balance,
	orders, rebuy_targets, take_profit_targets, reduce_orders, trades, next_target_id,
	stop_loss_percentage, stop_loss_price, stop_price_priority,
	trailing_stop_trigger, trailing_stop_distance, trailing_stop_price, buy_ttl, sell_ttl,
	accounting_delayed_count, accounting,
	opened_at, closed_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                             domain.Position
		providerID, lockedBy, purpose *string
		side, priority                string
		orders, rebuys, tps, reduces  []byte
		trades, accounting            []byte
	)

	err := row.Scan(
		&p.ID, &p.UserID, &p.AccountID, &providerID, &p.Symbol, &side, &p.Settlement, &p.Leverage,
		&p.Status, &p.Closed, &p.Updating, &p.Accounted, &p.AccountingPost,
		&lockedBy, &purpose, &p.LockedAt,
		&p.RealAmount, &p.RemainingAmount, &p.AvgEntryPrice, &p.RealPositionSize, &p.RealInvestment, &p.AllocatedBalance,
		&orders, &rebuys, &tps, &reduces, &trades, &p.NextTargetID,
		&p.StopLossPercentage, &p.StopLossPrice, &priority,
		&p.TrailingStopTrigger, &p.TrailingStopDistance, &p.TrailingStopPrice, &p.BuyTTL, &p.SellTTL,
		&p.AccountingDelayedCount, &accounting,
		&p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	p.Side = domain.Side(side)
	p.StopPricePriority = domain.PricePriority(priority)
	if providerID != nil {
		p.ProviderID = *providerID
	}
	if lockedBy != nil {
		p.LockedBy = *lockedBy
	}
	if purpose != nil {
		p.LockedPurpose = *purpose
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{orders, &p.Orders},
		{rebuys, &p.RebuyTargets},
		{tps, &p.TakeProfitTargets},
		{reduces, &p.ReduceOrders},
		{trades, &p.Trades},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: decode position %s collections: %w", p.ID, err)
		}
	}
	if len(accounting) > 0 {
		if err := json.Unmarshal(accounting, &p.Accounting); err != nil {
			return domain.Position{}, fmt.Errorf("postgres: decode position %s accounting: %w", p.ID, err)
		}
	}

	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// storeErr wraps a driver error so domain.IsSystemic recognises store
// unavailability while the original error text is preserved.
func storeErr(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w", op, errors.Join(domain.ErrStoreUnavailable, err))
}

// Create inserts the full aggregate. This is the only whole-aggregate
// write; everything after creation goes through Apply.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	if p.Orders == nil {
		p.Orders = map[string]domain.Order{}
	}
	if p.RebuyTargets == nil {
		p.RebuyTargets = map[int]domain.RebuyTarget{}
	}
	if p.TakeProfitTargets == nil {
		p.TakeProfitTargets = map[int]domain.TakeProfitTarget{}
	}
	if p.ReduceOrders == nil {
		p.ReduceOrders = map[int]domain.ReduceOrder{}
	}
	if p.Trades == nil {
		p.Trades = []domain.Trade{}
	}
	if p.NextTargetID == 0 {
		p.NextTargetID = 1
	}
	if p.StopPricePriority == "" {
		p.StopPricePriority = domain.PriorityPercentage
	}

	marshal := func(v any) ([]byte, error) { return json.Marshal(v) }
	orders, err := marshal(p.Orders)
	if err != nil {
		return fmt.Errorf("postgres: encode orders: %w", err)
	}
	rebuys, _ := marshal(p.RebuyTargets)
	tps, _ := marshal(p.TakeProfitTargets)
	reduces, _ := marshal(p.ReduceOrders)
	trades, _ := marshal(p.Trades)

	var providerID *string
	if p.ProviderID != "" {
		providerID = &p.ProviderID
	}

	const query = `
		INSERT INTO positions (
			id, user_id, account_id, provider_id, symbol, side, settlement, leverage,
			status, closed,
			real_amount, remaining_amount, avg_entry_price, real_position_size, real_investment, allocated_balance,
			orders, rebuy_targets, take_profit_targets, reduce_orders, trades, next_target_id,
			stop_loss_percentage, stop_loss_price, stop_price_priority,
			trailing_stop_trigger, trailing_stop_distance, buy_ttl, sell_ttl,
			opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22,
			$23, $24, $25,
			$26, $27, $28, $29,
			$30, NOW()
		)`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.AccountID, providerID, p.Symbol, string(p.Side), p.Settlement, p.Leverage,
		int(p.Status), p.Closed,
		p.RealAmount, p.RemainingAmount, p.AvgEntryPrice, p.RealPositionSize, p.RealInvestment, p.AllocatedBalance,
		orders, rebuys, tps, reduces, trades, p.NextTargetID,
		p.StopLossPercentage, p.StopLossPrice, string(p.StopPricePriority),
		p.TrailingStopTrigger, p.TrailingStopDistance, p.BuyTTL, p.SellTTL,
		p.OpenedAt,
	)
	if err != nil {
		return storeErr(fmt.Sprintf("create position %s", p.ID), err)
	}
	return nil
}

// GetByID retrieves a single position by its id.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, storeErr(fmt.Sprintf("get position %s", id), err)
	}
	return p, nil
}

// FindByOrderID resolves the position owning an exchange order via the
// JSONB key-exists operator on the orders map.
func (s *PositionStore) FindByOrderID(ctx context.Context, orderID, symbol string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE symbol = $2 AND orders ? $1 LIMIT 1`,
		orderID, symbol)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, storeErr(fmt.Sprintf("find position by order %s", orderID), err)
	}
	return p, nil
}

// ListByStatus returns positions matching any of the given status codes.
func (s *PositionStore) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Position, error) {
	codes := make([]int, len(statuses))
	for i, st := range statuses {
		codes[i] = int(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE status = ANY($1) ORDER BY opened_at`, codes)
	if err != nil {
		return nil, storeErr("list by status", err)
	}
	return scanPositions(rows)
}

// ListOpenForScan returns every position still in the trading bands
// (entry pending through closing). Callers treat the result as a stale
// snapshot and re-validate under a hard lock before acting.
func (s *PositionStore) ListOpenForScan(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE NOT closed AND status BETWEEN $1 AND $2 ORDER BY opened_at`,
		int(domain.StatusEntryPending), int(domain.StatusClosingLiquidation))
	if err != nil {
		return nil, storeErr("list open", err)
	}
	return scanPositions(rows)
}

// Apply executes a minimal field diff against one position.
func (s *PositionStore) Apply(ctx context.Context, id string, diff *domain.FieldDiff) error {
	if diff.Empty() {
		return nil
	}

	setClause, args, err := renderDiff(diff, 2)
	if err != nil {
		return err
	}

	query := "UPDATE positions SET " + setClause + " WHERE id = $1"
	allArgs := append([]any{id}, args...)

	tag, err := s.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return storeErr(fmt.Sprintf("apply diff to %s", id), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AcquireHardLock atomically claims the position for holder and returns
// its current state in the same statement, so the caller never acts on a
// pre-lock read. A lock past its ttl is reclaimed.
func (s *PositionStore) AcquireHardLock(ctx context.Context, id, holder, purpose string, ttl time.Duration) (domain.Position, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE positions SET
			locked_by      = $2,
			locked_purpose = $3,
			locked_at      = NOW(),
			updating       = TRUE
		WHERE id = $1
		  AND (locked_by IS NULL OR locked_at < NOW() - ($4 * interval '1 microsecond'))
		RETURNING `+positionCols,
		id, holder, purpose, ttl.Microseconds())

	p, err := scanPosition(row)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, storeErr(fmt.Sprintf("hard lock %s", id), err)
	}

	// No row matched: either the position is missing or someone else
	// holds a live lock.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", id).Scan(&exists); err != nil {
		return domain.Position{}, storeErr(fmt.Sprintf("hard lock %s", id), err)
	}
	if !exists {
		return domain.Position{}, domain.ErrNotFound
	}
	return domain.Position{}, domain.ErrLockHeld
}

// ReleaseHardLock clears the lock if it is still owned by holder. An
// empty purpose releases regardless of the purpose it was taken for.
func (s *PositionStore) ReleaseHardLock(ctx context.Context, id, holder, purpose string) error {
	query := `
		UPDATE positions SET
			locked_by      = NULL,
			locked_purpose = NULL,
			locked_at      = NULL,
			updating       = FALSE
		WHERE id = $1 AND locked_by = $2`
	args := []any{id, holder}

	if purpose != "" {
		query += " AND locked_purpose = $3"
		args = append(args, purpose)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return storeErr(fmt.Sprintf("release lock %s", id), err)
	}
	// Releasing a lock we no longer hold is not an error: the lock may
	// have expired and been reclaimed.
	return nil
}

// ListExpiredLocks returns positions locked continuously beyond the
// grace period.
func (s *PositionStore) ListExpiredLocks(ctx context.Context, grace time.Duration) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE locked_by IS NOT NULL
		   AND locked_at < NOW() - ($1 * interval '1 microsecond')
		 ORDER BY locked_at`,
		grace.Microseconds())
	if err != nil {
		return nil, storeErr("list expired locks", err)
	}
	return scanPositions(rows)
}

// ForceUnlock clears a stuck lock regardless of holder. Reserved for the
// sweeper.
func (s *PositionStore) ForceUnlock(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			locked_by      = NULL,
			locked_purpose = NULL,
			locked_at      = NULL,
			updating       = FALSE
		WHERE id = $1`, id)
	if err != nil {
		return storeErr(fmt.Sprintf("force unlock %s", id), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ReopenClosed atomically resets the closing and accounting flag set of
// a closed position. This is the only path that flips Closed back and it
// exists solely for audited manual recovery.
func (s *PositionStore) ReopenClosed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			closed                   = FALSE,
			status                   = $2,
			accounted                = FALSE,
			accounting_post          = FALSE,
			accounting               = NULL,
			accounting_delayed_count = 0,
			closed_at                = NULL,
			updated_at               = NOW()
		WHERE id = $1 AND closed`,
		id, int(domain.StatusOpen))
	if err != nil {
		return storeErr(fmt.Sprintf("reopen %s", id), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
