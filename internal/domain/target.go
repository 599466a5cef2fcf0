package domain

// TargetState is the shared sub-state-machine of all four target
// families: a target leaves pending exactly once, and done, cancelled and
// skipped are terminal.
type TargetState string

const (
	TargetPending     TargetState = "pending"
	TargetOrderPlaced TargetState = "order_placed"
	TargetDone        TargetState = "done"
	TargetCancelled   TargetState = "cancelled"
	TargetSkipped     TargetState = "skipped"
	TargetError       TargetState = "error"
)

// targetTransitions enumerates the allowed target state transitions.
var targetTransitions = map[TargetState][]TargetState{
	TargetPending:     {TargetOrderPlaced, TargetCancelled, TargetSkipped, TargetError},
	TargetOrderPlaced: {TargetDone, TargetCancelled, TargetError},
	TargetError:       {TargetPending, TargetCancelled},
}

// CanTransition reports whether a target may move from one state to
// another. Terminal states admit no transitions.
func (s TargetState) CanTransition(to TargetState) bool {
	for _, allowed := range targetTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s TargetState) Terminal() bool {
	return s == TargetDone || s == TargetCancelled || s == TargetSkipped
}

// Active reports whether the target still participates in evaluation.
func (s TargetState) Active() bool {
	return s == TargetPending || s == TargetOrderPlaced
}

// PricePriority disambiguates which trigger is authoritative when both a
// percentage-of-entry and an absolute price are configured.
type PricePriority string

const (
	PriorityPercentage PricePriority = "percentage"
	PriorityPrice      PricePriority = "price"
)

// RebuyTarget is a pre-planned DCA scale-in. The order amount comes from
// exactly one of Quantity (fixed), QuantityPercentage (fraction of the
// remaining amount) or NewInvestment (quote-asset notional).
//
// TriggerPercentage is written long-style regardless of side: 0.95
// means 5% against entry. Evaluators mirror it around entry (2 - pct)
// for short positions; TakeProfitTarget and the stop percentage follow
// the same convention.
type RebuyTarget struct {
	ID                 int           `json:"id"`
	TriggerPercentage  float64       `json:"triggerPercentage,omitempty"`
	TriggerPrice       float64       `json:"triggerPrice,omitempty"`
	PricePriority      PricePriority `json:"pricePriority,omitempty"`
	Quantity           float64       `json:"quantity,omitempty"`
	QuantityPercentage float64       `json:"quantityPercentage,omitempty"`
	NewInvestment      float64       `json:"newInvestment,omitempty"`
	OrderType          OrderType     `json:"orderType"`
	State              TargetState   `json:"state"`
	OrderID            string        `json:"orderId,omitempty"`
	Error              string        `json:"error,omitempty"`
}

// TakeProfitTarget is a pre-planned partial or full exit. The amount is
// a fraction of the remaining (not original) position size at placement
// time.
type TakeProfitTarget struct {
	ID                int           `json:"id"`
	TriggerPrice      float64       `json:"triggerPrice,omitempty"`
	TriggerPercentage float64       `json:"triggerPercentage,omitempty"`
	PricePriority     PricePriority `json:"pricePriority,omitempty"`
	AmountPercentage  float64       `json:"amountPercentage"`
	State             TargetState   `json:"state"`
	OrderID           string        `json:"orderId,omitempty"`
	Error             string        `json:"error,omitempty"`
}

// ReduceOrder is a risk-reduction partial exit independent of the
// take-profit ladder. Recurring reduce orders are the only target family
// that regenerates a fresh target id after each fill; Persistent ones
// survive DCA re-entries.
type ReduceOrder struct {
	ID               int         `json:"id"`
	TargetPercentage float64     `json:"targetPercentage,omitempty"`
	Amount           float64     `json:"amount,omitempty"`
	Recurring        bool        `json:"recurring"`
	Persistent       bool        `json:"persistent"`
	State            TargetState `json:"state"`
	OrderID          string      `json:"orderId,omitempty"`
	Error            string      `json:"error,omitempty"`
}
