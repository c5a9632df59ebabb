package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyQuotation  = errors.New("quotation has no line items")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrMalformedRecord = errors.New("malformed record")
	ErrForbidden       = errors.New("admin role required")
)

type QuotationNotFoundError struct {
	QuotationID string
}

func (e *QuotationNotFoundError) Error() string {
	return fmt.Sprintf("quotation %s not found", e.QuotationID)
}

// QuotationFinalizedError is returned when a quotation is already confirmed
// or cancelled.
type QuotationFinalizedError struct {
	QuotationID string
	Status      string
}

func (e *QuotationFinalizedError) Error() string {
	return fmt.Sprintf("quotation %s is already %s", e.QuotationID, e.Status)
}

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d, short by %d",
		name, e.Requested, e.Available, e.Shortfall())
}

// TransactionConflictError signals that a document read by the transaction
// was changed by another committed transaction. The whole operation may be
// retried from scratch.
type TransactionConflictError struct {
	Err error
}

func (e *TransactionConflictError) Error() string {
	if e.Err == nil {
		return "transaction conflict"
	}
	return "transaction conflict: " + e.Err.Error()
}

func (e *TransactionConflictError) Unwrap() error {
	return e.Err
}

type PaymentMismatchError struct {
	Expected decimal.Decimal
	Got      decimal.Decimal
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("payment splits sum to %s, sale total is %s", e.Got.StringFixed(2), e.Expected.StringFixed(2))
}

// IsConflict reports whether err is, or wraps, a TransactionConflictError.
func IsConflict(err error) bool {
	var conflict *TransactionConflictError
	return errors.As(err, &conflict)
}
