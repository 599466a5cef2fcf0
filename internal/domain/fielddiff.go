package domain

// Canonical field names accepted by FieldDiff. Stores map them onto
// their physical layout; anything outside this set is rejected.
const (
	FieldStatus                 = "status"
	FieldClosed                 = "closed"
	FieldUpdating               = "updating"
	FieldAccounted              = "accounted"
	FieldAccountingPost         = "accounting_post"
	FieldRealAmount             = "real_amount"
	FieldRemainingAmount        = "remaining_amount"
	FieldAvgEntryPrice          = "avg_entry_price"
	FieldRealPositionSize       = "real_position_size"
	FieldRealInvestment         = "real_investment"
	FieldAllocatedBalance       = "allocated_balance"
	FieldNextTargetID           = "next_target_id"
	FieldStopLossPercentage     = "stop_loss_percentage"
	FieldStopLossPrice          = "stop_loss_price"
	FieldStopPricePriority      = "stop_price_priority"
	FieldTrailingStopPrice      = "trailing_stop_price"
	FieldBuyTTL                 = "buy_ttl"
	FieldSellTTL                = "sell_ttl"
	FieldAccountingDelayedCount = "accounting_delayed_count"
	FieldAccounting             = "accounting"
	FieldClosedAt               = "closed_at"
)

// Collection columns addressable by path operations.
const (
	CollectionOrders            = "orders"
	CollectionRebuyTargets      = "rebuy_targets"
	CollectionTakeProfitTargets = "take_profit_targets"
	CollectionReduceOrders      = "reduce_orders"
)

// FieldDiff accumulates a minimal set of targeted field updates for one
// position. Workers never overwrite a whole position; they describe
// exactly what changed and the store translates the diff into set/unset
// path operations. This is what lets concurrent partial updates coexist.
type FieldDiff struct {
	ops []DiffOp
}

// DiffOpKind distinguishes the supported diff operations.
type DiffOpKind int

const (
	DiffSetColumn DiffOpKind = iota
	DiffSetPath
	DiffDeletePath
	DiffAppendTrades
)

// DiffOp is one targeted mutation. For path operations Column names the
// collection (orders, reBuyTargets, takeProfitTargets, reduceOrders) and
// Path addresses the element, e.g. ["18", "done"].
type DiffOp struct {
	Kind   DiffOpKind
	Column string
	Path   []string
	Value  any
}

// Set records a scalar column update.
func (d *FieldDiff) Set(column string, value any) *FieldDiff {
	d.ops = append(d.ops, DiffOp{Kind: DiffSetColumn, Column: column, Value: value})
	return d
}

// SetPath records a nested update inside a collection column.
func (d *FieldDiff) SetPath(column string, path []string, value any) *FieldDiff {
	d.ops = append(d.ops, DiffOp{Kind: DiffSetPath, Column: column, Path: path, Value: value})
	return d
}

// DeletePath records removal of a nested element.
func (d *FieldDiff) DeletePath(column string, path []string) *FieldDiff {
	d.ops = append(d.ops, DiffOp{Kind: DiffDeletePath, Column: column, Path: path})
	return d
}

// AppendTrades records appending fills to the append-only trade list.
func (d *FieldDiff) AppendTrades(trades []Trade) *FieldDiff {
	if len(trades) == 0 {
		return d
	}
	d.ops = append(d.ops, DiffOp{Kind: DiffAppendTrades, Value: trades})
	return d
}

// Ops returns the recorded operations in order.
func (d *FieldDiff) Ops() []DiffOp {
	return d.ops
}

// Empty reports whether the diff records no changes.
func (d *FieldDiff) Empty() bool {
	return len(d.ops) == 0
}
