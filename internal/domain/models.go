package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type LotState string

const (
	LotStateActive    LotState = "active"
	LotStateExhausted LotState = "exhausted"
)

const (
	QuotationStatusPending   = "pending"
	QuotationStatusConfirmed = "confirmed"
	QuotationStatusCancelled = "cancelled"
)

const (
	SaleStatusCompleted    = "completed"
	PaymentStatusCompleted = "completed"
)

const (
	MovementTypeSale = "sale"
)

const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
	PaymentMethodQRIS     = "qris"
	PaymentMethodMixed    = "mixed"
)

type Product struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Stock        int             `json:"stock" db:"stock"`
	PurchaseCost decimal.Decimal `json:"purchase_cost" db:"purchase_cost"`
	SalePrice    decimal.Decimal `json:"sale_price" db:"sale_price"`
	Active       bool            `json:"active" db:"active"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Validate rejects records that violate the ledger invariants instead of
// silently defaulting them.
func (p Product) Validate() error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: product id is empty", ErrMalformedRecord)
	case p.Stock < 0:
		return fmt.Errorf("%w: product %s has negative stock %d", ErrMalformedRecord, p.ID, p.Stock)
	case p.PurchaseCost.IsNegative():
		return fmt.Errorf("%w: product %s has negative purchase cost", ErrMalformedRecord, p.ID)
	case p.SalePrice.IsNegative():
		return fmt.Errorf("%w: product %s has negative sale price", ErrMalformedRecord, p.ID)
	}
	return nil
}

type Lot struct {
	ID           string          `json:"id" db:"id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	OriginalQty  int             `json:"original_qty" db:"original_qty"`
	RemainingQty int             `json:"remaining_qty" db:"remaining_qty"`
	UnitCost     decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	ReceivedAt   time.Time       `json:"received_at" db:"received_at"`
	State        LotState        `json:"state" db:"state"`
	SourceRef    string          `json:"source_ref,omitempty" db:"source_ref"`
}

// Eligible reports whether FIFO consumption may draw from the lot.
func (l Lot) Eligible() bool {
	return l.State == LotStateActive && l.RemainingQty > 0
}

func (l Lot) Validate() error {
	switch {
	case l.ID == "" || l.ProductID == "":
		return fmt.Errorf("%w: lot is missing id or product id", ErrMalformedRecord)
	case l.OriginalQty < 0 || l.RemainingQty < 0 || l.RemainingQty > l.OriginalQty:
		return fmt.Errorf("%w: lot %s remaining %d outside [0,%d]", ErrMalformedRecord, l.ID, l.RemainingQty, l.OriginalQty)
	case l.UnitCost.IsNegative():
		return fmt.Errorf("%w: lot %s has negative unit cost", ErrMalformedRecord, l.ID)
	case l.State != LotStateActive && l.State != LotStateExhausted:
		return fmt.Errorf("%w: lot %s has unknown state %q", ErrMalformedRecord, l.ID, l.State)
	case (l.State == LotStateExhausted) != (l.RemainingQty == 0):
		return fmt.Errorf("%w: lot %s state %s does not match remaining %d", ErrMalformedRecord, l.ID, l.State, l.RemainingQty)
	}
	return nil
}

type PaymentSplit struct {
	Method    string          `json:"method" validate:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type QuotationLine struct {
	ProductID   string          `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	Qty         int             `json:"qty" db:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal" db:"subtotal"`
}

type Quotation struct {
	ID            string          `json:"id"`
	CustomerRef   string          `json:"customer_ref"`
	Status        string          `json:"status"`
	PaymentMethod string          `json:"payment_method"`
	PaymentSplits []PaymentSplit  `json:"payment_splits,omitempty"`
	Total         decimal.Decimal `json:"total"`
	Lines         []QuotationLine `json:"lines"`
	SaleID        string          `json:"sale_id,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

// Finalized reports whether the quotation reached a terminal state.
func (q Quotation) Finalized() bool {
	return q.Status == QuotationStatusConfirmed || q.Status == QuotationStatusCancelled
}

type Sale struct {
	ID            string          `json:"id" db:"id"`
	QuotationID   string          `json:"quotation_id,omitempty" db:"quotation_id"`
	CustomerRef   string          `json:"customer_ref" db:"customer_ref"`
	Total         decimal.Decimal `json:"total" db:"total"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Status        string          `json:"status" db:"status"`
	CreatedBy     string          `json:"created_by" db:"created_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

type SaleLineItem struct {
	ID          string          `json:"id" db:"id"`
	SaleID      string          `json:"sale_id" db:"sale_id"`
	ProductID   string          `json:"product_id" db:"product_id"`
	ProductName string          `json:"product_name" db:"product_name"`
	Qty         int             `json:"qty" db:"qty"`
	UnitPrice   decimal.Decimal `json:"unit_price" db:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal" db:"subtotal"`
	UnitCost    decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	UnitProfit  decimal.Decimal `json:"unit_profit" db:"unit_profit"`
	TotalCost   decimal.Decimal `json:"total_cost" db:"total_cost"`
	TotalProfit decimal.Decimal `json:"total_profit" db:"total_profit"`
}

type MovementAuditEntry struct {
	ID                string          `json:"id" db:"id"`
	SaleID            string          `json:"sale_id" db:"sale_id"`
	SaleItemID        string          `json:"sale_item_id" db:"sale_item_id"`
	LotID             string          `json:"lot_id" db:"lot_id"`
	ProductID         string          `json:"product_id" db:"product_id"`
	Qty               int             `json:"qty" db:"qty"`
	UnitCost          decimal.Decimal `json:"unit_cost" db:"unit_cost"`
	LotRemainingAfter int             `json:"lot_remaining_after" db:"lot_remaining_after"`
	Type              string          `json:"type" db:"type"`
	Actor             string          `json:"actor" db:"actor"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

type PaymentRecord struct {
	ID          string          `json:"id" db:"id"`
	SaleID      string          `json:"sale_id" db:"sale_id"`
	Method      string          `json:"method" db:"method"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Reference   string          `json:"reference,omitempty" db:"reference"`
	CustomerRef string          `json:"customer_ref" db:"customer_ref"`
	Status      string          `json:"status" db:"status"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// SaleReceipt is the finalized sale as handed to reporting consumers.
type SaleReceipt struct {
	Sale     Sale            `json:"sale"`
	Items    []SaleLineItem  `json:"items"`
	Payments []PaymentRecord `json:"payments"`
}

type ProductCreateRequest struct {
	Name      string          `json:"name" validate:"required,max=200"`
	SalePrice decimal.Decimal `json:"sale_price"`
}

type LotReceiveRequest struct {
	ProductID  string          `json:"product_id" validate:"required"`
	Qty        int             `json:"qty" validate:"gt=0"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
	SourceRef  string          `json:"source_ref,omitempty" validate:"max=120"`
}

type LotListResponse struct {
	Lots []Lot `json:"lots"`
}

type QuotationLineRequest struct {
	ProductID string           `json:"product_id" validate:"required"`
	Qty       int              `json:"qty" validate:"gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type QuotationCreateRequest struct {
	CustomerRef   string                 `json:"customer_ref" validate:"required,max=120"`
	PaymentMethod string                 `json:"payment_method,omitempty"`
	PaymentSplits []PaymentSplit         `json:"payment_splits,omitempty" validate:"dive"`
	Lines         []QuotationLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type MovementListResponse struct {
	Movements []MovementAuditEntry `json:"movements"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}
