package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/service"
	"bengkelpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.New()
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", nil)
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

// createStockedProduct creates a product priced at 20.00 with two lots:
// 5 units at 8.00 received first, then 3 units at 9.00.
func createStockedProduct(t *testing.T, handler http.Handler, adminToken string) domain.Product {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", adminToken, map[string]any{
		"name":       "Filter Oli",
		"sale_price": "20.00",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create product: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Product domain.Product `json:"product"`
	}
	decodeInto(t, rec, &created)

	for _, lot := range []map[string]any{
		{"product_id": created.Product.ID, "qty": 5, "unit_cost": "8.00", "received_at": "2026-01-01T08:00:00Z"},
		{"product_id": created.Product.ID, "qty": 3, "unit_cost": "9.00", "received_at": "2026-01-02T08:00:00Z"},
	} {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/inventory/lots", adminToken, lot)
		if rec.Code != http.StatusCreated {
			t.Fatalf("receive lot: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
		}
	}
	return created.Product
}

func createQuotation(t *testing.T, handler http.Handler, token, productID string, qty int) domain.Quotation {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/quotations", token, map[string]any{
		"customer_ref": "B 1234 XY",
		"lines":        []map[string]any{{"product_id": productID, "qty": qty}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create quotation: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var body struct {
		Quotation domain.Quotation `json:"quotation"`
	}
	decodeInto(t, rec, &body)
	return body.Quotation
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeInto(t, rec, &resp)
	if resp.AccessToken == "" || resp.Role != "admin" {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/products", "", nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_CashierCannotCreate(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsCashier(t, api)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected cashier list 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", token, map[string]any{
		"name":       "Aki Kering",
		"sale_price": "750000",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAdminRoutesRejectCashier(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsCashier(t, api)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/inventory/lots"},
		{http.MethodPost, "/api/v1/products/prod-x/recalculate-cost"},
		{http.MethodGet, "/api/v1/products/prod-x/movements"},
		{http.MethodGet, "/api/v1/users/cashiers"},
		{http.MethodGet, "/api/v1/sales/sale-x/movements"},
	} {
		rec := doJSON(t, handler, tc.method, tc.path, token, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestQuotationConfirmFlow(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAsAdmin(t, api)
	cashierToken := loginAsCashier(t, api)

	product := createStockedProduct(t, handler, adminToken)
	quotation := createQuotation(t, handler, cashierToken, product.ID, 6)
	if quotation.Status != domain.QuotationStatusPending {
		t.Fatalf("expected pending quotation, got %s", quotation.Status)
	}
	if !quotation.Total.Equal(decimal.RequireFromString("120")) {
		t.Fatalf("expected total 120, got %s", quotation.Total)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/quotations/"+quotation.ID+"/confirm", cashierToken, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("confirm: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var confirmed struct {
		Receipt domain.SaleReceipt `json:"receipt"`
	}
	decodeInto(t, rec, &confirmed)
	if len(confirmed.Receipt.Items) != 1 {
		t.Fatalf("expected 1 sale item, got %d", len(confirmed.Receipt.Items))
	}
	item := confirmed.Receipt.Items[0]
	if !item.TotalCost.Equal(decimal.RequireFromString("49")) {
		t.Fatalf("expected FIFO total cost 49, got %s", item.TotalCost)
	}
	saleID := confirmed.Receipt.Sale.ID

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/quotations/"+quotation.ID+"/confirm", cashierToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second confirm: expected 409, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/quotations/"+quotation.ID, cashierToken, nil)
	var fetched struct {
		Quotation domain.Quotation `json:"quotation"`
	}
	decodeInto(t, rec, &fetched)
	if fetched.Quotation.Status != domain.QuotationStatusConfirmed || fetched.Quotation.SaleID != saleID {
		t.Fatalf("unexpected quotation after confirm %+v", fetched.Quotation)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+saleID, cashierToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/"+saleID+"/movements", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sale movements: expected 200, got %d", rec.Code)
	}
	var movements domain.MovementListResponse
	decodeInto(t, rec, &movements)
	if len(movements.Movements) != 2 {
		t.Fatalf("expected 2 movements (one per lot), got %d", len(movements.Movements))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/"+product.ID+"/movements?limit=10", adminToken, nil)
	decodeInto(t, rec, &movements)
	if len(movements.Movements) != 2 {
		t.Fatalf("expected 2 product movements, got %d", len(movements.Movements))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/inventory/lots?product_id="+product.ID, adminToken, nil)
	var lots domain.LotListResponse
	decodeInto(t, rec, &lots)
	if len(lots.Lots) != 1 || lots.Lots[0].RemainingQty != 2 {
		t.Fatalf("expected one active lot with 2 left, got %+v", lots.Lots)
	}
}

func TestConfirmInsufficientStockReturns422(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAsAdmin(t, api)

	product := createStockedProduct(t, handler, adminToken)
	quotation := createQuotation(t, handler, adminToken, product.ID, 10)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/quotations/"+quotation.ID+"/confirm", adminToken, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Filter Oli") || !strings.Contains(rec.Body.String(), "short by 2") {
		t.Fatalf("expected product name and shortfall in error, got %s", rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/quotations/"+quotation.ID, adminToken, nil)
	var fetched struct {
		Quotation domain.Quotation `json:"quotation"`
	}
	decodeInto(t, rec, &fetched)
	if fetched.Quotation.Status != domain.QuotationStatusPending {
		t.Fatalf("expected quotation to stay pending, got %s", fetched.Quotation.Status)
	}
}

func TestCancelledQuotationCannotBeConfirmed(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAsAdmin(t, api)

	product := createStockedProduct(t, handler, adminToken)
	quotation := createQuotation(t, handler, adminToken, product.ID, 1)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/quotations/"+quotation.ID+"/cancel", adminToken, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/quotations/"+quotation.ID+"/confirm", adminToken, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("confirm cancelled: expected 409, got %d", rec.Code)
	}
}

func TestNotFoundMappings(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAsAdmin(t, api)

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/api/v1/quotations/quo-missing/confirm", nil},
		{http.MethodGet, "/api/v1/quotations/quo-missing", nil},
		{http.MethodGet, "/api/v1/sales/sale-missing", nil},
		{http.MethodPost, "/api/v1/products/prod-missing/recalculate-cost", nil},
		{http.MethodPost, "/api/v1/quotations", map[string]any{
			"customer_ref": "B 1",
			"lines":        []map[string]any{{"product_id": "prod-missing", "qty": 1}},
		}},
	} {
		rec := doJSON(t, handler, tc.method, tc.path, adminToken, tc.body)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d (body: %s)", tc.method, tc.path, rec.Code, rec.Body.String())
		}
	}
}

func TestCreateQuotationValidation(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAsAdmin(t, api)
	product := createStockedProduct(t, handler, adminToken)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/quotations", adminToken, map[string]any{
		"customer_ref": "B 1",
		"lines":        []map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty lines: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/quotations", adminToken, map[string]any{
		"customer_ref": "B 1",
		"lines":        []map[string]any{{"product_id": product.ID, "qty": 2}},
		"payment_splits": []map[string]any{
			{"method": "cash", "amount": "10"},
			{"method": "qris", "amount": "10"},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("split mismatch: expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/quotations", adminToken, map[string]any{
		"customer_ref": "B 1",
		"unknown":      true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
}

func TestHandleCashiers(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	adminToken := loginAsAdmin(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", adminToken, map[string]string{
		"username": "montir01",
		"password": "pass1234",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create cashier: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", adminToken, map[string]string{
		"username": "montir01",
		"password": "pass1234",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate cashier: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/cashiers", adminToken, nil)
	var body struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	decodeInto(t, rec, &body)
	if len(body.Cashiers) != 2 {
		t.Fatalf("expected seeded cashier plus montir01, got %+v", body.Cashiers)
	}

	loginAs(t, api, "montir01", "pass1234")
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
