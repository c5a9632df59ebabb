package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bengkelpos/backend/internal/cache"
	"bengkelpos/backend/internal/config"
	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/fifo"
	"bengkelpos/backend/internal/logging"
	"bengkelpos/backend/internal/store"
	"bengkelpos/backend/internal/xid"
)

const moduleName = "service"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Cache    cache.SaleCache
	CacheTTL time.Duration
	Logger   logrus.FieldLogger
	Retry    config.RetryConfig
}

type Service struct {
	repo     store.Repository
	cache    cache.SaleCache
	cacheTTL time.Duration
	logger   logrus.FieldLogger
	retry    config.RetryConfig
	validate *validator.Validate
	tracer   trace.Tracer
	now      func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Cache == nil {
		opts.Cache = cache.NoopSaleCache{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = config.DefaultRetry()
	}

	return &Service{
		repo:     repo,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		logger:   opts.Logger.WithField("module", moduleName),
		retry:    opts.Retry,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		tracer:   otel.Tracer("bengkelpos/backend/internal/service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := s.validateRequest(req); err != nil {
		return domain.Product{}, err
	}
	if req.SalePrice.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: sale_price must not be negative", domain.ErrInvalidRequest)
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:           xid.New("prod"),
		Name:         req.Name,
		SalePrice:    req.SalePrice.Round(2),
		PurchaseCost: decimal.Zero,
		Active:       true,
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"product_id": created.ID,
		"actor":      actorOrSystem(ctx).Username,
	}).Info("product created")
	return *created, nil
}

// ReceiveLot records an inventory receipt: a new active lot, the matching
// stock increment and the refreshed purchase cost, in one transaction.
func (s *Service) ReceiveLot(ctx context.Context, req domain.LotReceiveRequest) (domain.Lot, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Lot{}, err
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.SourceRef = strings.TrimSpace(req.SourceRef)
	if err := s.validateRequest(req); err != nil {
		return domain.Lot{}, err
	}
	if req.UnitCost.IsNegative() {
		return domain.Lot{}, fmt.Errorf("%w: unit_cost must not be negative", domain.ErrInvalidRequest)
	}

	ctx, span := s.tracer.Start(ctx, "service.ReceiveLot", trace.WithAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("lot.qty", req.Qty),
	))
	defer span.End()

	now := s.now()
	receivedAt := now
	if req.ReceivedAt != nil {
		receivedAt = req.ReceivedAt.UTC()
	}
	lot := domain.Lot{
		ID:           xid.New("lot"),
		ProductID:    req.ProductID,
		OriginalQty:  req.Qty,
		RemainingQty: req.Qty,
		UnitCost:     req.UnitCost.Round(2),
		ReceivedAt:   receivedAt,
		State:        domain.LotStateActive,
		SourceRef:    req.SourceRef,
	}

	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		products, err := tx.GetProducts(ctx, []string{lot.ProductID})
		if err != nil {
			return err
		}
		product, ok := products[lot.ProductID]
		if !ok {
			return &domain.ProductNotFoundError{ProductID: lot.ProductID}
		}
		lots, err := tx.ListActiveLots(ctx, []string{lot.ProductID})
		if err != nil {
			return err
		}

		product.Stock += lot.RemainingQty
		product.PurchaseCost = fifo.CurrentCost(append(lots[lot.ProductID], lot))
		product.UpdatedAt = now

		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}
		return tx.UpdateProduct(ctx, product)
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.Lot{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"product_id": lot.ProductID,
		"lot_id":     lot.ID,
		"qty":        lot.OriginalQty,
		"actor":      actorOrSystem(ctx).Username,
	}).Info("lot received")
	return lot, nil
}

func (s *Service) ListLots(ctx context.Context, productID string, includeExhausted bool) (domain.LotListResponse, error) {
	lots, err := s.repo.ListLots(ctx, strings.TrimSpace(productID), includeExhausted)
	if err != nil {
		return domain.LotListResponse{}, err
	}
	return domain.LotListResponse{Lots: lots}, nil
}

// RecalculateCost sets the product's purchase cost to the cost of its oldest
// remaining lot, or zero when no stock is left.
func (s *Service) RecalculateCost(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, fmt.Errorf("%w: product id is required", domain.ErrInvalidRequest)
	}

	ctx, span := s.tracer.Start(ctx, "service.RecalculateCost", trace.WithAttributes(attribute.String("product.id", productID)))
	defer span.End()

	var updated domain.Product
	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		products, err := tx.GetProducts(ctx, []string{productID})
		if err != nil {
			return err
		}
		product, ok := products[productID]
		if !ok {
			return &domain.ProductNotFoundError{ProductID: productID}
		}
		lots, err := tx.ListActiveLots(ctx, []string{productID})
		if err != nil {
			return err
		}

		product.PurchaseCost = fifo.CurrentCost(lots[productID])
		product.UpdatedAt = s.now()
		if err := tx.UpdateProduct(ctx, product); err != nil {
			return err
		}
		updated = product
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.Product{}, err
	}
	return updated, nil
}

func (s *Service) CreateQuotation(ctx context.Context, req domain.QuotationCreateRequest) (domain.Quotation, error) {
	req.CustomerRef = strings.TrimSpace(req.CustomerRef)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.PaymentSplits = normalizePaymentSplits(req.PaymentSplits)
	if err := s.validateRequest(req); err != nil {
		return domain.Quotation{}, err
	}

	if len(req.PaymentSplits) > 0 {
		req.PaymentMethod = domain.PaymentMethodMixed
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if len(req.PaymentSplits) == 0 && !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.Quotation{}, fmt.Errorf("%w: unsupported payment method %q", domain.ErrInvalidRequest, req.PaymentMethod)
	}

	ids := make([]string, 0, len(req.Lines))
	for _, line := range req.Lines {
		ids = append(ids, strings.TrimSpace(line.ProductID))
	}
	products := make(map[string]domain.Product, len(ids))
	for _, id := range store.UniqueIDs(ids) {
		product, err := s.repo.GetProduct(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return domain.Quotation{}, &domain.ProductNotFoundError{ProductID: id}
		}
		if err != nil {
			return domain.Quotation{}, err
		}
		products[id] = *product
	}

	quotation := domain.Quotation{
		ID:            xid.New("quo"),
		CustomerRef:   req.CustomerRef,
		Status:        domain.QuotationStatusPending,
		PaymentMethod: req.PaymentMethod,
		PaymentSplits: req.PaymentSplits,
		Total:         decimal.Zero,
		Lines:         make([]domain.QuotationLine, 0, len(req.Lines)),
		CreatedBy:     actorOrSystem(ctx).Username,
		CreatedAt:     s.now(),
	}
	for _, lineReq := range req.Lines {
		product := products[strings.TrimSpace(lineReq.ProductID)]
		unitPrice := product.SalePrice
		if lineReq.UnitPrice != nil {
			unitPrice = lineReq.UnitPrice.Round(2)
		}
		if unitPrice.IsNegative() {
			return domain.Quotation{}, fmt.Errorf("%w: unit_price must not be negative", domain.ErrInvalidRequest)
		}
		subtotal := unitPrice.Mul(decimal.NewFromInt(int64(lineReq.Qty)))
		quotation.Lines = append(quotation.Lines, domain.QuotationLine{
			ProductID:   product.ID,
			ProductName: product.Name,
			Qty:         lineReq.Qty,
			UnitPrice:   unitPrice,
			Subtotal:    subtotal,
		})
		quotation.Total = quotation.Total.Add(subtotal)
	}

	if err := checkPaymentSplits(quotation.PaymentSplits, quotation.Total); err != nil {
		return domain.Quotation{}, err
	}

	created, err := s.repo.CreateQuotation(ctx, quotation)
	if err != nil {
		return domain.Quotation{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"quotation_id": created.ID,
		"lines":        len(created.Lines),
		"total":        created.Total.StringFixed(2),
	}).Info("quotation created")
	return *created, nil
}

func (s *Service) GetQuotation(ctx context.Context, id string) (domain.Quotation, error) {
	id = strings.TrimSpace(id)
	quotation, err := s.repo.GetQuotation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Quotation{}, &domain.QuotationNotFoundError{QuotationID: id}
	}
	if err != nil {
		return domain.Quotation{}, err
	}
	return *quotation, nil
}

// CancelQuotation moves a pending quotation to cancelled. Stock and lots are
// never touched.
func (s *Service) CancelQuotation(ctx context.Context, id string) (domain.Quotation, error) {
	id = strings.TrimSpace(id)
	quotation, err := s.repo.CancelQuotation(ctx, id, s.now())
	if errors.Is(err, store.ErrNotFound) {
		return domain.Quotation{}, &domain.QuotationNotFoundError{QuotationID: id}
	}
	if err != nil {
		return domain.Quotation{}, err
	}
	s.logger.WithFields(logrus.Fields{
		"quotation_id": id,
		"actor":        actorOrSystem(ctx).Username,
	}).Info("quotation cancelled")
	return *quotation, nil
}

// GetSale returns the sale receipt, reading through the sale cache.
func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleReceipt, error) {
	saleID = strings.TrimSpace(saleID)
	if cached, ok, err := s.cache.Get(ctx, saleID); err != nil {
		logging.LogError(s.logger, moduleName, "GetSale", "cache get", saleID, err)
	} else if ok {
		return *cached, nil
	}

	receipt, err := s.repo.GetSaleReceipt(ctx, saleID)
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	s.cacheReceipt(ctx, receipt)
	return *receipt, nil
}

func (s *Service) ListSaleMovements(ctx context.Context, saleID string) (domain.MovementListResponse, error) {
	movements, err := s.repo.ListMovementsBySale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	return domain.MovementListResponse{Movements: movements}, nil
}

func (s *Service) ListProductMovements(ctx context.Context, productID string, limit int) (domain.MovementListResponse, error) {
	movements, err := s.repo.ListMovementsByProduct(ctx, strings.TrimSpace(productID), limit)
	if err != nil {
		return domain.MovementListResponse{}, err
	}
	return domain.MovementListResponse{Movements: movements}, nil
}

func (s *Service) cacheReceipt(ctx context.Context, receipt *domain.SaleReceipt) {
	if err := s.cache.Set(ctx, receipt, s.cacheTTL); err != nil {
		logging.LogError(s.logger, moduleName, "cacheReceipt", "cache set", receipt.Sale.ID, err)
	}
}

func (s *Service) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.ErrForbidden
	}
	return nil
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func normalizePaymentSplits(splits []domain.PaymentSplit) []domain.PaymentSplit {
	if len(splits) == 0 {
		return nil
	}
	normalized := make([]domain.PaymentSplit, 0, len(splits))
	for _, split := range splits {
		normalized = append(normalized, domain.PaymentSplit{
			Method:    strings.ToLower(strings.TrimSpace(split.Method)),
			Amount:    split.Amount,
			Reference: strings.TrimSpace(split.Reference),
		})
	}
	return normalized
}

// checkPaymentSplits requires every split to use a supported method with a
// positive amount, and the splits to add up to exactly total.
func checkPaymentSplits(splits []domain.PaymentSplit, total decimal.Decimal) error {
	if len(splits) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, split := range splits {
		if !isSupportedPaymentMethod(split.Method) {
			return fmt.Errorf("%w: unsupported payment method %q", domain.ErrInvalidRequest, split.Method)
		}
		if !split.Amount.IsPositive() {
			return fmt.Errorf("%w: payment split amount must be positive", domain.ErrInvalidRequest)
		}
		sum = sum.Add(split.Amount)
	}
	if !sum.Equal(total) {
		return &domain.PaymentMismatchError{Expected: total, Got: sum}
	}
	return nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodTransfer, domain.PaymentMethodQRIS:
		return true
	default:
		return false
	}
}
