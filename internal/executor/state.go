package executor

import (
	"fmt"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
)

// transitions lists the legal moves of the per-instruction state machine.
// FAILED is reachable from every non-terminal state.
var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:   {models.StatusPreviewed, models.StatusRejected, models.StatusFailed, models.StatusSimulated},
	models.StatusPreviewed: {models.StatusSubmitted, models.StatusRejected, models.StatusFailed},
	models.StatusSubmitted: {models.StatusFilled, models.StatusRejected, models.StatusFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to models.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// order is the in-flight state of one instruction.
type order struct {
	inst     models.TradeInstruction
	state    models.OrderStatus
	price    decimal.Decimal
	clientID string
	reason   string
}

func (o *order) transition(to models.OrderStatus, reason string) {
	if !CanTransition(o.state, to) {
		panic(fmt.Sprintf("illegal order transition %s → %s", o.state, to))
	}
	o.state = to
	if reason != "" {
		o.reason = reason
	}
}

func (o *order) fail(err error) {
	o.transition(classify(err), err.Error())
}

// record builds the ledger row. The client order id is the record id, since
// it exists even when the broker never assigned one.
func (o *order) record(sessionID string, at time.Time) models.TradeRecord {
	rationale := o.inst.Rationale
	if o.reason != "" && (o.state == models.StatusRejected || o.state == models.StatusFailed) {
		rationale += "; " + o.reason
	}
	return models.TradeRecord{
		OrderID:   o.clientID,
		Symbol:    o.inst.Symbol(),
		Side:      o.inst.Side,
		Quantity:  o.inst.Quantity,
		Price:     o.price,
		Status:    o.state,
		Timestamp: at.UTC(),
		SessionID: sessionID,
		Rationale: rationale,
	}
}
