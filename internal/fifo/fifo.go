// Package fifo selects and decrements stock lots oldest-first and derives the
// carrying cost of what remains. It performs no I/O: callers hand it lot
// snapshots read inside their transaction and persist the results together
// with the rest of that transaction.
package fifo

import (
	"errors"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"bengkelpos/backend/internal/domain"
)

var ErrInvalidQuantity = errors.New("quantity to consume must be positive")

// Movement is one lot's contribution to a consumption.
type Movement struct {
	LotID          string
	ProductID      string
	Qty            int
	UnitCost       decimal.Decimal
	RemainingAfter int
	Exhausted      bool
}

// Result is the outcome of a successful consumption. Lots holds updated
// copies of every lot that was touched, in consumption order.
type Result struct {
	ProductID string
	Movements []Movement
	Lots      []domain.Lot
	TotalCost decimal.Decimal
}

// Qty is the number of units consumed across all movements.
func (r Result) Qty() int {
	total := 0
	for _, mv := range r.Movements {
		total += mv.Qty
	}
	return total
}

// Consume takes qty units of productID from lots, oldest receipt first. The
// input slice is never modified. When eligible lots hold fewer than qty units
// it returns *domain.InsufficientStockError and no result.
func Consume(productID string, lots []domain.Lot, qty int) (Result, error) {
	if qty < 1 {
		return Result{}, ErrInvalidQuantity
	}

	eligible := make([]domain.Lot, 0, len(lots))
	available := 0
	for _, lot := range lots {
		if lot.ProductID != productID || !lot.Eligible() {
			continue
		}
		eligible = append(eligible, lot)
		available += lot.RemainingQty
	}
	if available < qty {
		return Result{}, &domain.InsufficientStockError{
			ProductID: productID,
			Requested: qty,
			Available: available,
		}
	}
	slices.SortFunc(eligible, compareLotForFIFO)

	result := Result{
		ProductID: productID,
		Movements: make([]Movement, 0, 2),
		Lots:      make([]domain.Lot, 0, 2),
		TotalCost: decimal.Zero,
	}
	outstanding := qty
	for _, lot := range eligible {
		if outstanding == 0 {
			break
		}
		used := min(lot.RemainingQty, outstanding)
		lot.RemainingQty -= used
		if lot.RemainingQty == 0 {
			lot.State = domain.LotStateExhausted
		}
		outstanding -= used

		result.Movements = append(result.Movements, Movement{
			LotID:          lot.ID,
			ProductID:      productID,
			Qty:            used,
			UnitCost:       lot.UnitCost,
			RemainingAfter: lot.RemainingQty,
			Exhausted:      lot.State == domain.LotStateExhausted,
		})
		result.Lots = append(result.Lots, lot)
		result.TotalCost = result.TotalCost.Add(lot.UnitCost.Mul(decimal.NewFromInt(int64(used))))
	}

	return result, nil
}

// Available sums the remaining quantity of eligible lots.
func Available(lots []domain.Lot) int {
	total := 0
	for _, lot := range lots {
		if lot.Eligible() {
			total += lot.RemainingQty
		}
	}
	return total
}

// CurrentCost is the unit cost of the next unit that would be sold: the
// oldest eligible lot's cost, or zero when nothing remains.
func CurrentCost(lots []domain.Lot) decimal.Decimal {
	var oldest *domain.Lot
	for i := range lots {
		if !lots[i].Eligible() {
			continue
		}
		if oldest == nil || compareLotForFIFO(lots[i], *oldest) < 0 {
			oldest = &lots[i]
		}
	}
	if oldest == nil {
		return decimal.Zero
	}
	return oldest.UnitCost
}

// Sort orders lots in consumption order in place.
func Sort(lots []domain.Lot) {
	slices.SortFunc(lots, compareLotForFIFO)
}

func compareLotForFIFO(a domain.Lot, b domain.Lot) int {
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
