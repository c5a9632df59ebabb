package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/store"
	"bengkelpos/backend/internal/xid"
)

// RunInTx runs fn inside one SERIALIZABLE transaction. Rows read through the
// Tx are locked with FOR UPDATE until commit.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type pgTx struct {
	tx    *sqlx.Tx
	guard store.PhaseGuard
}

func (t *pgTx) GetQuotation(ctx context.Context, id string) (*domain.Quotation, error) {
	if err := t.guard.Read(); err != nil {
		return nil, err
	}
	return getQuotation(ctx, t.tx, id, true)
}

func (t *pgTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	if err := t.guard.Read(); err != nil {
		return nil, err
	}
	ids = store.UniqueIDs(ids)
	products := make([]domain.Product, 0, len(ids))
	if err := t.tx.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids); err != nil {
		return nil, err
	}

	result := make(map[string]domain.Product, len(products))
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	return result, nil
}

func (t *pgTx) ListActiveLots(ctx context.Context, productIDs []string) (map[string][]domain.Lot, error) {
	if err := t.guard.Read(); err != nil {
		return nil, err
	}
	productIDs = store.UniqueIDs(productIDs)
	lots := make([]domain.Lot, 0, 16)
	if err := t.tx.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE product_id = ANY($1) AND state = 'active' AND remaining_qty > 0
		ORDER BY received_at ASC, id ASC
		FOR UPDATE
	`, productIDs); err != nil {
		return nil, err
	}

	result := make(map[string][]domain.Lot, len(productIDs))
	for _, id := range productIDs {
		result[id] = make([]domain.Lot, 0, 4)
	}
	for _, lot := range lots {
		lot.ReceivedAt = lot.ReceivedAt.UTC()
		if err := lot.Validate(); err != nil {
			return nil, err
		}
		result[lot.ProductID] = append(result[lot.ProductID], lot)
	}
	return result, nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot domain.Lot) error {
	t.guard.Write()
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	if err := lot.Validate(); err != nil {
		return err
	}
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES (:id, :product_id, :original_qty, :remaining_qty, :unit_cost, :received_at, :state, :source_ref)
	`, lot)
	if isForeignKeyViolation(err) {
		return &domain.ProductNotFoundError{ProductID: lot.ProductID}
	}
	return err
}

func (t *pgTx) UpdateLots(ctx context.Context, lots []domain.Lot) error {
	t.guard.Write()
	for _, lot := range lots {
		if err := lot.Validate(); err != nil {
			return err
		}
		res, err := t.tx.ExecContext(ctx, `
			UPDATE lots SET remaining_qty = $2, state = $3 WHERE id = $1
		`, lot.ID, lot.RemainingQty, lot.State)
		if err != nil {
			return err
		}
		if err := expectOneRow(res, "lot", lot.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) UpdateProduct(ctx context.Context, product domain.Product) error {
	t.guard.Write()
	if err := product.Validate(); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, purchase_cost = $3, updated_at = $4
		WHERE id = $1
	`, product.ID, product.Stock, product.PurchaseCost, product.UpdatedAt)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, "product", product.ID); err != nil {
		return &domain.ProductNotFoundError{ProductID: product.ID}
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, receipt domain.SaleReceipt) error {
	t.guard.Write()
	sale := receipt.Sale
	if sale.ID == "" {
		return fmt.Errorf("%w: sale id is empty", domain.ErrMalformedRecord)
	}
	if _, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO sales (id, quotation_id, customer_ref, total, payment_method, status, created_by, created_at)
		VALUES (:id, :quotation_id, :customer_ref, :total, :payment_method, :status, :created_by, :created_at)
	`, sale); err != nil {
		return err
	}

	for i, item := range receipt.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (
				id, sale_id, line_no, product_id, product_name, qty, unit_price, subtotal,
				unit_cost, unit_profit, total_cost, total_profit
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, item.ID, sale.ID, i+1, item.ProductID, item.ProductName, item.Qty, item.UnitPrice, item.Subtotal,
			item.UnitCost, item.UnitProfit, item.TotalCost, item.TotalProfit); err != nil {
			return err
		}
	}

	for _, payment := range receipt.Payments {
		if _, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO payments (id, sale_id, method, amount, reference, customer_ref, status, created_at)
			VALUES (:id, :sale_id, :method, :amount, :reference, :customer_ref, :status, :created_at)
		`, payment); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) AppendMovements(ctx context.Context, entries []domain.MovementAuditEntry) error {
	t.guard.Write()
	for _, entry := range entries {
		if _, err := t.tx.NamedExecContext(ctx, `
			INSERT INTO movements (`+movementColumns+`)
			VALUES (:id, :sale_id, :sale_item_id, :lot_id, :product_id, :qty, :unit_cost,
			        :lot_remaining_after, :type, :actor, :created_at)
		`, entry); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) MarkQuotationConfirmed(ctx context.Context, id string, saleID string, at time.Time) error {
	t.guard.Write()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE quotations
		SET status = $2, sale_id = $3, confirmed_at = $4
		WHERE id = $1 AND status = $5
	`, id, domain.QuotationStatusConfirmed, nullIfEmpty(saleID), at, domain.QuotationStatusPending)
	if err != nil {
		return err
	}
	if err := expectOneRow(res, "quotation", id); err != nil {
		return &domain.QuotationFinalizedError{QuotationID: id, Status: "not pending"}
	}
	return nil
}

func expectOneRow(res sql.Result, kind string, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}
