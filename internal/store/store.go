package store

import (
	"context"
	"errors"
	"time"

	"bengkelpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrReadAfterWrite     = errors.New("read issued after a write in the same transaction")
)

// Repository is the persistence substrate. Reference-data operations run in
// their own short transactions; everything that must be atomic goes through
// RunInTx.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListLots(ctx context.Context, productID string, includeExhausted bool) ([]domain.Lot, error)
	CreateQuotation(ctx context.Context, quotation domain.Quotation) (*domain.Quotation, error)
	GetQuotation(ctx context.Context, id string) (*domain.Quotation, error)
	CancelQuotation(ctx context.Context, id string, at time.Time) (*domain.Quotation, error)
	GetSaleReceipt(ctx context.Context, saleID string) (*domain.SaleReceipt, error)
	ListMovementsBySale(ctx context.Context, saleID string) ([]domain.MovementAuditEntry, error)
	ListMovementsByProduct(ctx context.Context, productID string, limit int) ([]domain.MovementAuditEntry, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, username string, password string) error

	// RunInTx runs fn inside one transaction and commits when fn returns nil.
	// All reads must happen before the first write; a read after a write
	// fails with ErrReadAfterWrite. If a document read by fn changed before
	// commit, nothing is applied and a *domain.TransactionConflictError is
	// returned. RunInTx does not retry.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
}

type QuotationReader interface {
	GetQuotation(ctx context.Context, id string) (*domain.Quotation, error)
}

type ProductReader interface {
	// GetProducts returns the products that exist; missing ids are absent
	// from the map.
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type LotReader interface {
	// ListActiveLots returns eligible lots grouped by product id.
	ListActiveLots(ctx context.Context, productIDs []string) (map[string][]domain.Lot, error)
}

type LotWriter interface {
	InsertLot(ctx context.Context, lot domain.Lot) error
	UpdateLots(ctx context.Context, lots []domain.Lot) error
}

type ProductWriter interface {
	UpdateProduct(ctx context.Context, product domain.Product) error
}

type SaleWriter interface {
	InsertSale(ctx context.Context, receipt domain.SaleReceipt) error
}

type MovementWriter interface {
	AppendMovements(ctx context.Context, entries []domain.MovementAuditEntry) error
}

type QuotationWriter interface {
	MarkQuotationConfirmed(ctx context.Context, id string, saleID string, at time.Time) error
}

// Tx is the view of the store available inside RunInTx.
type Tx interface {
	QuotationReader
	ProductReader
	LotReader
	LotWriter
	ProductWriter
	SaleWriter
	MovementWriter
	QuotationWriter
}

// PhaseGuard enforces read-before-write inside a transaction.
type PhaseGuard struct {
	writing bool
}

func (g *PhaseGuard) Read() error {
	if g.writing {
		return ErrReadAfterWrite
	}
	return nil
}

func (g *PhaseGuard) Write() {
	g.writing = true
}

func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
