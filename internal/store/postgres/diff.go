package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfolio/posengine/internal/domain"
)

// scalarColumns is the whitelist of columns a FieldDiff may set directly.
var scalarColumns = map[string]bool{
	domain.FieldStatus:                 true,
	domain.FieldClosed:                 true,
	domain.FieldUpdating:               true,
	domain.FieldAccounted:              true,
	domain.FieldAccountingPost:         true,
	domain.FieldRealAmount:             true,
	domain.FieldRemainingAmount:        true,
	domain.FieldAvgEntryPrice:          true,
	domain.FieldRealPositionSize:       true,
	domain.FieldRealInvestment:         true,
	domain.FieldAllocatedBalance:       true,
	domain.FieldNextTargetID:           true,
	domain.FieldStopLossPercentage:     true,
	domain.FieldStopLossPrice:          true,
	domain.FieldStopPricePriority:      true,
	domain.FieldTrailingStopPrice:      true,
	domain.FieldBuyTTL:                 true,
	domain.FieldSellTTL:                true,
	domain.FieldAccountingDelayedCount: true,
	domain.FieldClosedAt:               true,
}

// jsonColumns may be set whole (FieldAccounting) or addressed by path.
var jsonColumns = map[string]bool{
	domain.FieldAccounting:             true,
	domain.CollectionOrders:            true,
	domain.CollectionRebuyTargets:      true,
	domain.CollectionTakeProfitTargets: true,
	domain.CollectionReduceOrders:      true,
}

// renderDiff translates a FieldDiff into SET clause fragments and their
// arguments. Successive path operations on the same column are nested so
// one UPDATE carries the whole diff. Argument numbering starts at argIdx.
func renderDiff(diff *domain.FieldDiff, argIdx int) (setClause string, args []any, err error) {
	// exprs maps column -> current SQL expression for that column.
	exprs := make(map[string]string)
	var order []string

	touch := func(col string) string {
		if _, ok := exprs[col]; !ok {
			exprs[col] = col
			order = append(order, col)
		}
		return exprs[col]
	}

	for _, op := range diff.Ops() {
		switch op.Kind {
		case domain.DiffSetColumn:
			if scalarColumns[op.Column] {
				touch(op.Column)
				args = append(args, op.Value)
				exprs[op.Column] = fmt.Sprintf("$%d", argIdx)
				argIdx++
				continue
			}
			if jsonColumns[op.Column] {
				touch(op.Column)
				payload, merr := json.Marshal(op.Value)
				if merr != nil {
					return "", nil, fmt.Errorf("postgres: marshal %s: %w", op.Column, merr)
				}
				args = append(args, payload)
				exprs[op.Column] = fmt.Sprintf("$%d::jsonb", argIdx)
				argIdx++
				continue
			}
			return "", nil, fmt.Errorf("postgres: diff sets unknown column %q", op.Column)

		case domain.DiffSetPath:
			if !jsonColumns[op.Column] {
				return "", nil, fmt.Errorf("postgres: diff path on non-json column %q", op.Column)
			}
			lit, perr := pathLiteral(op.Path)
			if perr != nil {
				return "", nil, perr
			}
			payload, merr := json.Marshal(op.Value)
			if merr != nil {
				return "", nil, fmt.Errorf("postgres: marshal %s path value: %w", op.Column, merr)
			}
			cur := touch(op.Column)
			args = append(args, payload)
			exprs[op.Column] = fmt.Sprintf("jsonb_set(%s, %s, $%d::jsonb, true)", cur, lit, argIdx)
			argIdx++

		case domain.DiffDeletePath:
			if !jsonColumns[op.Column] {
				return "", nil, fmt.Errorf("postgres: diff delete on non-json column %q", op.Column)
			}
			lit, perr := pathLiteral(op.Path)
			if perr != nil {
				return "", nil, perr
			}
			cur := touch(op.Column)
			exprs[op.Column] = fmt.Sprintf("(%s #- %s)", cur, lit)

		case domain.DiffAppendTrades:
			payload, merr := json.Marshal(op.Value)
			if merr != nil {
				return "", nil, fmt.Errorf("postgres: marshal trades: %w", merr)
			}
			cur := touch("trades")
			args = append(args, payload)
			exprs["trades"] = fmt.Sprintf("(%s || $%d::jsonb)", cur, argIdx)
			argIdx++

		default:
			return "", nil, fmt.Errorf("postgres: unknown diff op kind %d", op.Kind)
		}
	}

	parts := make([]string, 0, len(order)+1)
	for _, col := range order {
		parts = append(parts, fmt.Sprintf("%s = %s", col, exprs[col]))
	}
	parts = append(parts, "updated_at = NOW()")

	return strings.Join(parts, ", "), args, nil
}

// pathLiteral renders a jsonb text-array path literal, rejecting
// elements that could break out of the quoted literal.
func pathLiteral(path []string) (string, error) {
	if len(path) == 0 {
		return "", fmt.Errorf("postgres: empty diff path")
	}
	for _, el := range path {
		if el == "" || strings.ContainsAny(el, `'",{}\`) {
			return "", fmt.Errorf("postgres: invalid diff path element %q", el)
		}
	}
	return "'{" + strings.Join(path, ",") + "}'", nil
}
