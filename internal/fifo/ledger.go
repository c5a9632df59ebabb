package fifo

import (
	"github.com/shopspring/decimal"

	"bengkelpos/backend/internal/domain"
)

// Ledger applies several consumptions against one set of lot snapshots, so
// that a second line for the same product continues where the first one
// stopped. A failed consumption leaves the snapshot unchanged.
type Ledger struct {
	lots    map[string][]domain.Lot
	touched map[string]domain.Lot
	order   []string
}

func NewLedger(lotsByProduct map[string][]domain.Lot) *Ledger {
	lots := make(map[string][]domain.Lot, len(lotsByProduct))
	for productID, productLots := range lotsByProduct {
		dup := make([]domain.Lot, len(productLots))
		copy(dup, productLots)
		lots[productID] = dup
	}
	return &Ledger{
		lots:    lots,
		touched: make(map[string]domain.Lot),
	}
}

func (l *Ledger) Consume(productID string, qty int) (Result, error) {
	current := l.lots[productID]
	res, err := Consume(productID, current, qty)
	if err != nil {
		return Result{}, err
	}

	position := make(map[string]int, len(current))
	for i, lot := range current {
		position[lot.ID] = i
	}
	for _, updated := range res.Lots {
		current[position[updated.ID]] = updated
		if _, seen := l.touched[updated.ID]; !seen {
			l.order = append(l.order, updated.ID)
		}
		l.touched[updated.ID] = updated
	}
	return res, nil
}

func (l *Ledger) Available(productID string) int {
	return Available(l.lots[productID])
}

func (l *Ledger) CurrentCost(productID string) decimal.Decimal {
	return CurrentCost(l.lots[productID])
}

// Lots returns a copy of the product's current snapshot in FIFO order.
func (l *Ledger) Lots(productID string) []domain.Lot {
	dup := make([]domain.Lot, len(l.lots[productID]))
	copy(dup, l.lots[productID])
	Sort(dup)
	return dup
}

// Touched returns the final state of every lot consumed from, in the order
// they were first touched.
func (l *Ledger) Touched() []domain.Lot {
	out := make([]domain.Lot, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.touched[id])
	}
	return out
}
