package memory

import (
	"context"
	"fmt"
	"time"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/store"
	"bengkelpos/backend/internal/xid"
)

type confirmation struct {
	quotationID string
	saleID      string
	at          time.Time
}

// memTx buffers every write until commit. Reads record the version of the
// document they observed.
type memTx struct {
	s     *Store
	guard store.PhaseGuard
	reads map[string]uint64

	lotInserts     []domain.Lot
	lotUpdates     map[string]domain.Lot
	lotUpdateOrder []string
	products       map[string]domain.Product
	productOrder   []string
	sales          []domain.SaleReceipt
	movements      []domain.MovementAuditEntry
	confirmations  []confirmation
}

// RunInTx runs fn against a buffered transaction and applies its writes only
// if none of the documents it read changed in the meantime.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:          s,
		reads:      make(map[string]uint64),
		lotUpdates: make(map[string]domain.Lot),
		products:   make(map[string]domain.Product),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// observe records the first version seen for key. Caller holds s.mu.
func (t *memTx) observe(key string) {
	if _, seen := t.reads[key]; seen {
		return
	}
	t.reads[key] = t.s.versions[key]
}

func (t *memTx) GetQuotation(_ context.Context, id string) (*domain.Quotation, error) {
	if err := t.guard.Read(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	t.observe(quotationKey(id))
	quotation, ok := t.s.quotations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneQuotation(quotation)
	return &dup, nil
}

func (t *memTx) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	if err := t.guard.Read(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range store.UniqueIDs(ids) {
		t.observe(productKey(id))
		product, ok := t.s.products[id]
		if !ok {
			continue
		}
		if err := product.Validate(); err != nil {
			return nil, err
		}
		result[id] = product
	}
	return result, nil
}

func (t *memTx) ListActiveLots(_ context.Context, productIDs []string) (map[string][]domain.Lot, error) {
	if err := t.guard.Read(); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	result := make(map[string][]domain.Lot, len(productIDs))
	for _, productID := range store.UniqueIDs(productIDs) {
		t.observe(lotSetKey(productID))
		lots := make([]domain.Lot, 0, 4)
		for _, lot := range t.s.productLotsLocked(productID) {
			if err := lot.Validate(); err != nil {
				return nil, err
			}
			if !lot.Eligible() {
				continue
			}
			t.observe(lotKey(lot.ID))
			lots = append(lots, lot)
		}
		result[productID] = lots
	}
	return result, nil
}

func (t *memTx) InsertLot(_ context.Context, lot domain.Lot) error {
	t.guard.Write()
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	if err := lot.Validate(); err != nil {
		return err
	}
	t.lotInserts = append(t.lotInserts, lot)
	return nil
}

func (t *memTx) UpdateLots(_ context.Context, lots []domain.Lot) error {
	t.guard.Write()
	for _, lot := range lots {
		if err := lot.Validate(); err != nil {
			return err
		}
		if _, seen := t.lotUpdates[lot.ID]; !seen {
			t.lotUpdateOrder = append(t.lotUpdateOrder, lot.ID)
		}
		t.lotUpdates[lot.ID] = lot
	}
	return nil
}

func (t *memTx) UpdateProduct(_ context.Context, product domain.Product) error {
	t.guard.Write()
	if err := product.Validate(); err != nil {
		return err
	}
	if _, seen := t.products[product.ID]; !seen {
		t.productOrder = append(t.productOrder, product.ID)
	}
	t.products[product.ID] = product
	return nil
}

func (t *memTx) InsertSale(_ context.Context, receipt domain.SaleReceipt) error {
	t.guard.Write()
	if receipt.Sale.ID == "" {
		return fmt.Errorf("%w: sale id is empty", domain.ErrMalformedRecord)
	}
	t.sales = append(t.sales, cloneReceipt(receipt))
	return nil
}

func (t *memTx) AppendMovements(_ context.Context, entries []domain.MovementAuditEntry) error {
	t.guard.Write()
	t.movements = append(t.movements, entries...)
	return nil
}

func (t *memTx) MarkQuotationConfirmed(_ context.Context, id string, saleID string, at time.Time) error {
	t.guard.Write()
	t.confirmations = append(t.confirmations, confirmation{quotationID: id, saleID: saleID, at: at})
	return nil
}

func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range t.reads {
		if s.versions[key] != version {
			return &domain.TransactionConflictError{Err: fmt.Errorf("%s changed from version %d to %d", key, version, s.versions[key])}
		}
	}

	// Preconditions are checked before anything is applied.
	for _, id := range t.lotUpdateOrder {
		if _, ok := s.lots[id]; !ok {
			return fmt.Errorf("update lot %s: %w", id, store.ErrNotFound)
		}
	}
	for _, lot := range t.lotInserts {
		if _, ok := s.products[lot.ProductID]; !ok {
			return &domain.ProductNotFoundError{ProductID: lot.ProductID}
		}
		if _, exists := s.lots[lot.ID]; exists {
			return fmt.Errorf("insert lot %s: %w", lot.ID, store.ErrInvalidTransaction)
		}
	}
	for _, id := range t.productOrder {
		if _, ok := s.products[id]; !ok {
			return &domain.ProductNotFoundError{ProductID: id}
		}
	}
	for _, receipt := range t.sales {
		if _, exists := s.sales[receipt.Sale.ID]; exists {
			return fmt.Errorf("insert sale %s: %w", receipt.Sale.ID, store.ErrInvalidTransaction)
		}
	}
	for _, c := range t.confirmations {
		quotation, ok := s.quotations[c.quotationID]
		if !ok {
			return &domain.QuotationNotFoundError{QuotationID: c.quotationID}
		}
		if quotation.Finalized() {
			return &domain.QuotationFinalizedError{QuotationID: c.quotationID, Status: quotation.Status}
		}
	}

	for _, id := range t.lotUpdateOrder {
		lot := t.lotUpdates[id]
		s.lots[id] = lot
		s.versions[lotKey(id)]++
		s.versions[lotSetKey(lot.ProductID)]++
	}
	for _, lot := range t.lotInserts {
		s.lots[lot.ID] = lot
		s.lotsByProduct[lot.ProductID] = append(s.lotsByProduct[lot.ProductID], lot.ID)
		s.versions[lotKey(lot.ID)]++
		s.versions[lotSetKey(lot.ProductID)]++
	}
	for _, id := range t.productOrder {
		s.products[id] = t.products[id]
		s.versions[productKey(id)]++
	}
	for _, receipt := range t.sales {
		s.sales[receipt.Sale.ID] = receipt
	}
	s.movements = append(s.movements, t.movements...)
	for _, c := range t.confirmations {
		quotation := s.quotations[c.quotationID]
		quotation.Status = domain.QuotationStatusConfirmed
		quotation.SaleID = c.saleID
		at := c.at
		quotation.ConfirmedAt = &at
		s.quotations[c.quotationID] = quotation
		s.versions[quotationKey(c.quotationID)]++
	}
	return nil
}
