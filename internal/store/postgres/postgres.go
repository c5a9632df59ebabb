package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/store"
	"bengkelpos/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sqlx.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. It is safe to run on
// every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const productColumns = `id, name, stock, purchase_cost, sale_price, active, created_at, updated_at`

const lotColumns = `id, product_id, original_qty, remaining_qty, unit_cost, received_at, state, source_ref`

const movementColumns = `id, sale_id, sale_item_id, lot_id, product_id, qty, unit_cost, lot_remaining_after, type, actor, created_at`

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products := make([]domain.Product, 0, 128)
	if err := s.db.SelectContext(ctx, &products, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true
		ORDER BY name, id
	`); err != nil {
		return nil, err
	}
	for _, p := range products {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if err := product.Validate(); err != nil {
		return nil, err
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES (:id, :name, :stock, :purchase_cost, :sale_price, :active, :created_at, :updated_at)
	`, product)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := product.Validate(); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListLots(ctx context.Context, productID string, includeExhausted bool) ([]domain.Lot, error) {
	lots := make([]domain.Lot, 0, 32)
	if err := s.db.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE ($1 = '' OR product_id = $1)
		  AND ($2 OR (state = 'active' AND remaining_qty > 0))
		ORDER BY received_at ASC, id ASC
	`, productID, includeExhausted); err != nil {
		return nil, err
	}
	for i := range lots {
		lots[i].ReceivedAt = lots[i].ReceivedAt.UTC()
		if err := lots[i].Validate(); err != nil {
			return nil, err
		}
	}
	return lots, nil
}

func (s *Store) CreateQuotation(ctx context.Context, quotation domain.Quotation) (*domain.Quotation, error) {
	if len(quotation.Lines) == 0 {
		return nil, domain.ErrEmptyQuotation
	}
	if quotation.ID == "" {
		quotation.ID = xid.New("quo")
	}
	if quotation.CreatedAt.IsZero() {
		quotation.CreatedAt = time.Now().UTC()
	}
	quotation.Status = domain.QuotationStatusPending

	splits, err := json.Marshal(nonNilSplits(quotation.PaymentSplits))
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO quotations (id, customer_ref, status, payment_method, payment_splits, total, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, quotation.ID, quotation.CustomerRef, quotation.Status, quotation.PaymentMethod, splits,
		quotation.Total, quotation.CreatedBy, quotation.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	for i, line := range quotation.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO quotation_lines (quotation_id, line_no, product_id, product_name, qty, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, quotation.ID, i+1, line.ProductID, line.ProductName, line.Qty, line.UnitPrice, line.Subtotal); err != nil {
			if isForeignKeyViolation(err) {
				return nil, &domain.ProductNotFoundError{ProductID: line.ProductID}
			}
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &quotation, nil
}

func (s *Store) GetQuotation(ctx context.Context, id string) (*domain.Quotation, error) {
	return getQuotation(ctx, s.db, id, false)
}

func (s *Store) CancelQuotation(ctx context.Context, id string, at time.Time) (*domain.Quotation, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	quotation, err := getQuotation(ctx, tx, id, true)
	if err != nil {
		return nil, classify(err)
	}
	if quotation.Finalized() {
		return nil, &domain.QuotationFinalizedError{QuotationID: id, Status: quotation.Status}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE quotations SET status = $2, cancelled_at = $3 WHERE id = $1
	`, id, domain.QuotationStatusCancelled, at); err != nil {
		return nil, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	quotation.Status = domain.QuotationStatusCancelled
	quotation.CancelledAt = &at
	return quotation, nil
}

func (s *Store) GetSaleReceipt(ctx context.Context, saleID string) (*domain.SaleReceipt, error) {
	var receipt domain.SaleReceipt
	err := s.db.GetContext(ctx, &receipt.Sale, `
		SELECT id, quotation_id, customer_ref, total, payment_method, status, created_by, created_at
		FROM sales
		WHERE id = $1
	`, saleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	receipt.Sale.CreatedAt = receipt.Sale.CreatedAt.UTC()

	receipt.Items = make([]domain.SaleLineItem, 0, 8)
	if err := s.db.SelectContext(ctx, &receipt.Items, `
		SELECT id, sale_id, product_id, product_name, qty, unit_price, subtotal,
		       unit_cost, unit_profit, total_cost, total_profit
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY line_no ASC
	`, saleID); err != nil {
		return nil, err
	}

	receipt.Payments = make([]domain.PaymentRecord, 0, 2)
	if err := s.db.SelectContext(ctx, &receipt.Payments, `
		SELECT id, sale_id, method, amount, reference, customer_ref, status, created_at
		FROM payments
		WHERE sale_id = $1
		ORDER BY created_at ASC, id ASC
	`, saleID); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (s *Store) ListMovementsBySale(ctx context.Context, saleID string) ([]domain.MovementAuditEntry, error) {
	entries := make([]domain.MovementAuditEntry, 0, 8)
	if err := s.db.SelectContext(ctx, &entries, `
		SELECT `+movementColumns+`
		FROM movements
		WHERE sale_id = $1
		ORDER BY seq ASC
	`, saleID); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListMovementsByProduct(ctx context.Context, productID string, limit int) ([]domain.MovementAuditEntry, error) {
	if limit < 1 {
		limit = 200
	}
	entries := make([]domain.MovementAuditEntry, 0, limit)
	if err := s.db.SelectContext(ctx, &entries, `
		SELECT `+movementColumns+`
		FROM movements
		WHERE product_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, productID, limit); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	if err := s.db.SelectContext(ctx, &users, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`); err != nil {
		return nil, err
	}
	for i := range users {
		users[i].CreatedAt = users[i].CreatedAt.UTC()
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type quotationRow struct {
	ID            string          `db:"id"`
	CustomerRef   string          `db:"customer_ref"`
	Status        string          `db:"status"`
	PaymentMethod string          `db:"payment_method"`
	PaymentSplits []byte          `db:"payment_splits"`
	Total         decimal.Decimal `db:"total"`
	SaleID        sql.NullString  `db:"sale_id"`
	CreatedBy     string          `db:"created_by"`
	CreatedAt     time.Time       `db:"created_at"`
	ConfirmedAt   sql.NullTime    `db:"confirmed_at"`
	CancelledAt   sql.NullTime    `db:"cancelled_at"`
}

func getQuotation(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*domain.Quotation, error) {
	query := `
		SELECT id, customer_ref, status, payment_method, payment_splits, total,
		       sale_id, created_by, created_at, confirmed_at, cancelled_at
		FROM quotations
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var row quotationRow
	err := sqlx.GetContext(ctx, q, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	quotation := domain.Quotation{
		ID:            row.ID,
		CustomerRef:   row.CustomerRef,
		Status:        row.Status,
		PaymentMethod: row.PaymentMethod,
		Total:         row.Total,
		SaleID:        row.SaleID.String,
		CreatedBy:     row.CreatedBy,
		CreatedAt:     row.CreatedAt.UTC(),
		ConfirmedAt:   nullTimePtr(row.ConfirmedAt),
		CancelledAt:   nullTimePtr(row.CancelledAt),
	}
	if len(row.PaymentSplits) > 0 {
		if err := json.Unmarshal(row.PaymentSplits, &quotation.PaymentSplits); err != nil {
			return nil, fmt.Errorf("%w: quotation %s payment splits: %v", domain.ErrMalformedRecord, id, err)
		}
	}

	quotation.Lines = make([]domain.QuotationLine, 0, 4)
	if err := sqlx.SelectContext(ctx, q, &quotation.Lines, `
		SELECT product_id, product_name, qty, unit_price, subtotal
		FROM quotation_lines
		WHERE quotation_id = $1
		ORDER BY line_no ASC
	`, id); err != nil {
		return nil, err
	}
	return &quotation, nil
}

func nonNilSplits(splits []domain.PaymentSplit) []domain.PaymentSplit {
	if splits == nil {
		return []domain.PaymentSplit{}
	}
	return splits
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// classify turns serialization failures and deadlocks into
// *domain.TransactionConflictError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return &domain.TransactionConflictError{Err: err}
	}
	return err
}
