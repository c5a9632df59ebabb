package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/store"
)

func seedProductWithLot(t *testing.T, s *Store, qty int, cost string) (domain.Product, domain.Lot) {
	t.Helper()
	ctx := context.Background()

	product, err := s.CreateProduct(ctx, domain.Product{Name: "Filter Udara", SalePrice: decimal.RequireFromString("45000"), Active: true})
	require.NoError(t, err)

	lot := domain.Lot{
		ID:           "lot-" + product.ID,
		ProductID:    product.ID,
		OriginalQty:  qty,
		RemainingQty: qty,
		UnitCost:     decimal.RequireFromString(cost),
		ReceivedAt:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		State:        domain.LotStateActive,
	}
	err = s.RunInTx(ctx, func(tx store.Tx) error {
		products, err := tx.GetProducts(ctx, []string{product.ID})
		if err != nil {
			return err
		}
		p := products[product.ID]
		p.Stock += qty
		p.PurchaseCost = lot.UnitCost
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		return tx.UpdateProduct(ctx, p)
	})
	require.NoError(t, err)

	current, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	return *current, lot
}

func TestRunInTxAppliesWritesOnCommit(t *testing.T) {
	s := New()
	product, lot := seedProductWithLot(t, s, 5, "8000")

	assert.Equal(t, 5, product.Stock)
	lots, err := s.ListLots(context.Background(), product.ID, false)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, lot.ID, lots[0].ID)
}

func TestRunInTxDiscardsWritesWhenCallbackFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	product, lot := seedProductWithLot(t, s, 5, "8000")

	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(tx store.Tx) error {
		lots, err := tx.ListActiveLots(ctx, []string{product.ID})
		if err != nil {
			return err
		}
		drained := lots[product.ID][0]
		drained.RemainingQty = 0
		drained.State = domain.LotStateExhausted
		if err := tx.UpdateLots(ctx, []domain.Lot{drained}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	lots, err := s.ListLots(ctx, product.ID, true)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, lot.ID, lots[0].ID)
	assert.Equal(t, 5, lots[0].RemainingQty)
}

func TestRunInTxDetectsConflictingCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	product, _ := seedProductWithLot(t, s, 5, "8000")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		products, err := tx.GetProducts(ctx, []string{product.ID})
		if err != nil {
			return err
		}

		// Another transaction commits a change to the same product first.
		require.NoError(t, s.RunInTx(ctx, func(other store.Tx) error {
			current, err := other.GetProducts(ctx, []string{product.ID})
			if err != nil {
				return err
			}
			p := current[product.ID]
			p.Stock = 4
			return other.UpdateProduct(ctx, p)
		}))

		p := products[product.ID]
		p.Stock = 3
		return tx.UpdateProduct(ctx, p)
	})

	var conflict *domain.TransactionConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)

	current, err := s.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, current.Stock)
}

func TestRunInTxDetectsNewLotForReadProduct(t *testing.T) {
	s := New()
	ctx := context.Background()
	product, _ := seedProductWithLot(t, s, 5, "8000")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ListActiveLots(ctx, []string{product.ID}); err != nil {
			return err
		}
		require.NoError(t, s.RunInTx(ctx, func(other store.Tx) error {
			return other.InsertLot(ctx, domain.Lot{
				ProductID:    product.ID,
				OriginalQty:  2,
				RemainingQty: 2,
				UnitCost:     decimal.RequireFromString("9000"),
				ReceivedAt:   time.Now().UTC(),
				State:        domain.LotStateActive,
			})
		}))
		return tx.AppendMovements(ctx, nil)
	})
	assert.True(t, domain.IsConflict(err), "expected conflict, got %v", err)
}

func TestRunInTxRejectsReadAfterWrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	product, _ := seedProductWithLot(t, s, 5, "8000")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		products, err := tx.GetProducts(ctx, []string{product.ID})
		if err != nil {
			return err
		}
		if err := tx.UpdateProduct(ctx, products[product.ID]); err != nil {
			return err
		}
		_, err = tx.ListActiveLots(ctx, []string{product.ID})
		return err
	})
	assert.ErrorIs(t, err, store.ErrReadAfterWrite)
}

func TestRunInTxRejectsMalformedLotWrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	product, lot := seedProductWithLot(t, s, 5, "8000")

	err := s.RunInTx(ctx, func(tx store.Tx) error {
		bad := lot
		bad.RemainingQty = 0
		return tx.UpdateLots(ctx, []domain.Lot{bad})
	})
	assert.ErrorIs(t, err, domain.ErrMalformedRecord)

	lots, err := s.ListLots(ctx, product.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 5, lots[0].RemainingQty)
}

func TestCancelQuotationRejectsFinalized(t *testing.T) {
	s := New()
	ctx := context.Background()
	product, _ := seedProductWithLot(t, s, 5, "8000")

	quotation, err := s.CreateQuotation(ctx, domain.Quotation{
		CustomerRef: "CUST-1",
		Total:       decimal.RequireFromString("45000"),
		Lines: []domain.QuotationLine{{
			ProductID: product.ID, ProductName: product.Name, Qty: 1,
			UnitPrice: decimal.RequireFromString("45000"), Subtotal: decimal.RequireFromString("45000"),
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.QuotationStatusPending, quotation.Status)

	at := time.Now().UTC()
	cancelled, err := s.CancelQuotation(ctx, quotation.ID, at)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotationStatusCancelled, cancelled.Status)

	_, err = s.CancelQuotation(ctx, quotation.ID, at)
	var finalized *domain.QuotationFinalizedError
	assert.True(t, errors.As(err, &finalized))
}

func TestCreateQuotationRejectsUnknownProduct(t *testing.T) {
	s := New()
	_, err := s.CreateQuotation(context.Background(), domain.Quotation{
		CustomerRef: "CUST-1",
		Lines:       []domain.QuotationLine{{ProductID: "prod-missing", Qty: 1}},
	})
	var notFound *domain.ProductNotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestNewSeededStockMatchesLots(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, products)

	for _, p := range products {
		lots, err := s.ListLots(ctx, p.ID, false)
		require.NoError(t, err)
		total := 0
		for _, lot := range lots {
			total += lot.RemainingQty
		}
		assert.Equal(t, total, p.Stock, "product %s", p.Name)
		assert.True(t, p.PurchaseCost.Equal(lots[0].UnitCost), "product %s cost", p.Name)
	}
}
