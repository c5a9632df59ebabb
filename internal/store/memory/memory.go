package memory

import (
	"context"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/fifo"
	"bengkelpos/backend/internal/store"
	"bengkelpos/backend/internal/xid"
)

// Store is a document store kept in process memory. Every document carries a
// version that RunInTx uses for optimistic concurrency control.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	lots            map[string]domain.Lot
	lotsByProduct   map[string][]string
	quotations      map[string]domain.Quotation
	sales           map[string]domain.SaleReceipt
	movements       []domain.MovementAuditEntry
	usersByUsername map[string]domain.UserAccount
	versions        map[string]uint64
}

func productKey(id string) string       { return "product/" + id }
func lotKey(id string) string           { return "lot/" + id }
func lotSetKey(productID string) string { return "lots/" + productID }
func quotationKey(id string) string     { return "quotation/" + id }

// New returns an empty store with the default operator accounts.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		lots:            make(map[string]domain.Lot),
		lotsByProduct:   make(map[string][]string),
		quotations:      make(map[string]domain.Quotation),
		sales:           make(map[string]domain.SaleReceipt),
		movements:       make([]domain.MovementAuditEntry, 0, 128),
		usersByUsername: seedUsers(),
		versions:        make(map[string]uint64),
	}
}

// NewSeeded returns a store with a small workshop catalog and opening lots
// for dev/demo mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	catalog := []struct {
		name  string
		price string
		lots  []struct {
			qty  int
			cost string
		}
	}{
		{"Oli Mesin 1L", "65000", []struct {
			qty  int
			cost string
		}{{24, "48000"}, {24, "50500"}}},
		{"Kampas Rem Depan", "85000", []struct {
			qty  int
			cost string
		}{{10, "61000"}}},
		{"Busi Iridium", "120000", []struct {
			qty  int
			cost string
		}{{12, "88000"}, {6, "91000"}}},
	}

	for i, item := range catalog {
		id := xid.New("prod")
		product := domain.Product{
			ID:        id,
			Name:      item.name,
			SalePrice: decimal.RequireFromString(item.price),
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for j, l := range item.lots {
			lot := domain.Lot{
				ID:           xid.New("lot"),
				ProductID:    id,
				OriginalQty:  l.qty,
				RemainingQty: l.qty,
				UnitCost:     decimal.RequireFromString(l.cost),
				ReceivedAt:   now.Add(-time.Duration(len(item.lots)-j) * 24 * time.Hour).Add(time.Duration(i) * time.Minute),
				State:        domain.LotStateActive,
				SourceRef:    "opening-stock",
			}
			s.lots[lot.ID] = lot
			s.lotsByProduct[id] = append(s.lotsByProduct[id], lot.ID)
			product.Stock += l.qty
		}
		product.PurchaseCost = fifo.CurrentCost(s.productLotsLocked(id))
		s.products[id] = product
	}
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// if unset, dev defaults are used with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool {
		if products[i].Name == products[j].Name {
			return products[i].ID < products[j].ID
		}
		return products[i].Name < products[j].Name
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.products[product.ID] = product
	s.versions[productKey(product.ID)]++
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListLots(_ context.Context, productID string, includeExhausted bool) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Lot, 0, 16)
	appendLot := func(lot domain.Lot) {
		if !includeExhausted && !lot.Eligible() {
			return
		}
		result = append(result, lot)
	}
	if productID != "" {
		for _, lot := range s.productLotsLocked(productID) {
			appendLot(lot)
		}
	} else {
		for _, lot := range s.lots {
			appendLot(lot)
		}
	}
	fifo.Sort(result)
	return result, nil
}

func (s *Store) CreateQuotation(_ context.Context, quotation domain.Quotation) (*domain.Quotation, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range quotation.Lines {
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, &domain.ProductNotFoundError{ProductID: line.ProductID}
		}
	}
	if _, exists := s.quotations[quotation.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	s.quotations[quotation.ID] = cloneQuotation(quotation)
	s.versions[quotationKey(quotation.ID)]++
	created := cloneQuotation(quotation)
	return &created, nil
}

func (s *Store) GetQuotation(_ context.Context, id string) (*domain.Quotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quotation, ok := s.quotations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneQuotation(quotation)
	return &dup, nil
}

func (s *Store) CancelQuotation(_ context.Context, id string, at time.Time) (*domain.Quotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quotation, ok := s.quotations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if quotation.Finalized() {
		return nil, &domain.QuotationFinalizedError{QuotationID: id, Status: quotation.Status}
	}
	quotation.Status = domain.QuotationStatusCancelled
	quotation.CancelledAt = &at
	s.quotations[id] = quotation
	s.versions[quotationKey(id)]++

	dup := cloneQuotation(quotation)
	return &dup, nil
}

func (s *Store) GetSaleReceipt(_ context.Context, saleID string) (*domain.SaleReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	receipt, ok := s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneReceipt(receipt)
	return &dup, nil
}

func (s *Store) ListMovementsBySale(_ context.Context, saleID string) ([]domain.MovementAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MovementAuditEntry, 0, 8)
	for _, entry := range s.movements {
		if entry.SaleID == saleID {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (s *Store) ListMovementsByProduct(_ context.Context, productID string, limit int) ([]domain.MovementAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.MovementAuditEntry, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(result) < limit; i-- {
		if s.movements[i].ProductID == productID {
			result = append(result, s.movements[i])
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) productLotsLocked(productID string) []domain.Lot {
	ids := s.lotsByProduct[productID]
	lots := make([]domain.Lot, 0, len(ids))
	for _, id := range ids {
		lots = append(lots, s.lots[id])
	}
	return lots
}

func cloneQuotation(src domain.Quotation) domain.Quotation {
	dup := src
	dup.Lines = slices.Clone(src.Lines)
	dup.PaymentSplits = slices.Clone(src.PaymentSplits)
	if src.ConfirmedAt != nil {
		at := *src.ConfirmedAt
		dup.ConfirmedAt = &at
	}
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return dup
}

func cloneReceipt(src domain.SaleReceipt) domain.SaleReceipt {
	return domain.SaleReceipt{
		Sale:     src.Sale,
		Items:    slices.Clone(src.Items),
		Payments: slices.Clone(src.Payments),
	}
}
