package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bengkelpos/backend/internal/domain"
	"bengkelpos/backend/internal/fifo"
	"bengkelpos/backend/internal/logging"
	"bengkelpos/backend/internal/store"
	"bengkelpos/backend/internal/xid"
)

// ConfirmQuotation turns a pending quotation into a completed sale. Stock is
// taken from the oldest lots first, every lot touched gets a movement entry,
// and the quotation, lots, products, sale, payments and movements are
// written in a single transaction. Conflicting concurrent commits are
// retried according to the configured policy; business errors are not.
func (s *Service) ConfirmQuotation(ctx context.Context, quotationID string) (domain.SaleReceipt, error) {
	quotationID = strings.TrimSpace(quotationID)
	if quotationID == "" {
		return domain.SaleReceipt{}, fmt.Errorf("%w: quotation id is required", domain.ErrInvalidRequest)
	}
	actor := actorOrSystem(ctx)
	logger := s.logger.WithFields(logrus.Fields{
		"quotation_id": quotationID,
		"actor":        actor.Username,
	})

	receipt, err := withConflictRetry(ctx, s.retry, logger, func(attempt int) (domain.SaleReceipt, error) {
		attemptCtx, span := s.tracer.Start(ctx, "service.ConfirmQuotation", trace.WithAttributes(
			attribute.String("quotation.id", quotationID),
			attribute.Int("attempt", attempt),
		))
		defer span.End()

		receipt, err := s.confirmOnce(attemptCtx, quotationID, actor)
		if err != nil {
			recordSpanError(span, err)
			return domain.SaleReceipt{}, err
		}
		span.SetAttributes(attribute.String("sale.id", receipt.Sale.ID))
		return receipt, nil
	})
	if err != nil {
		if domain.IsConflict(err) {
			logging.LogError(logger, moduleName, "ConfirmQuotation", "retries exhausted", nil, err)
		}
		return domain.SaleReceipt{}, err
	}

	s.cacheReceipt(ctx, &receipt)
	logger.WithFields(logrus.Fields{
		"sale_id": receipt.Sale.ID,
		"total":   receipt.Sale.Total.StringFixed(2),
		"items":   len(receipt.Items),
	}).Info("quotation confirmed")
	return receipt, nil
}

func (s *Service) confirmOnce(ctx context.Context, quotationID string, actor domain.Actor) (domain.SaleReceipt, error) {
	var receipt domain.SaleReceipt
	err := s.repo.RunInTx(ctx, func(tx store.Tx) error {
		quotation, err := tx.GetQuotation(ctx, quotationID)
		if errors.Is(err, store.ErrNotFound) {
			return &domain.QuotationNotFoundError{QuotationID: quotationID}
		}
		if err != nil {
			return err
		}
		if quotation.Finalized() {
			return &domain.QuotationFinalizedError{QuotationID: quotationID, Status: quotation.Status}
		}
		if len(quotation.Lines) == 0 {
			return domain.ErrEmptyQuotation
		}

		productIDs := make([]string, 0, len(quotation.Lines))
		for _, line := range quotation.Lines {
			productIDs = append(productIDs, line.ProductID)
		}
		productIDs = store.UniqueIDs(productIDs)

		products, err := tx.GetProducts(ctx, productIDs)
		if err != nil {
			return err
		}
		for _, id := range productIDs {
			if _, ok := products[id]; !ok {
				return &domain.ProductNotFoundError{ProductID: id}
			}
		}
		lots, err := tx.ListActiveLots(ctx, productIDs)
		if err != nil {
			return err
		}

		if err := verifyStock(quotation.Lines, products); err != nil {
			return err
		}
		plan, err := planSale(*quotation, products, lots, actor, s.now())
		if err != nil {
			return err
		}

		if err := tx.UpdateLots(ctx, plan.lots); err != nil {
			return err
		}
		for _, product := range plan.products {
			if err := tx.UpdateProduct(ctx, product); err != nil {
				return err
			}
		}
		if err := tx.InsertSale(ctx, plan.receipt); err != nil {
			return err
		}
		if err := tx.AppendMovements(ctx, plan.movements); err != nil {
			return err
		}
		if err := tx.MarkQuotationConfirmed(ctx, quotation.ID, plan.receipt.Sale.ID, plan.receipt.Sale.CreatedAt); err != nil {
			return err
		}

		receipt = plan.receipt
		return nil
	})
	if err != nil {
		return domain.SaleReceipt{}, err
	}
	return receipt, nil
}

// verifyStock checks summed demand per product against the product ledger.
func verifyStock(lines []domain.QuotationLine, products map[string]domain.Product) error {
	demand := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.Qty < 1 {
			return fmt.Errorf("%w: line for product %s has quantity %d", domain.ErrInvalidRequest, line.ProductID, line.Qty)
		}
		if _, seen := demand[line.ProductID]; !seen {
			order = append(order, line.ProductID)
		}
		demand[line.ProductID] += line.Qty
	}
	for _, id := range order {
		product := products[id]
		if demand[id] > product.Stock {
			return &domain.InsufficientStockError{
				ProductID:   id,
				ProductName: product.Name,
				Requested:   demand[id],
				Available:   product.Stock,
			}
		}
	}
	return nil
}

// salePlan is everything the write phase persists.
type salePlan struct {
	receipt   domain.SaleReceipt
	lots      []domain.Lot
	products  []domain.Product
	movements []domain.MovementAuditEntry
}

// planSale computes the sale, the FIFO consumption and the cost refresh
// against in-memory snapshots. It performs no I/O.
func planSale(
	quotation domain.Quotation,
	products map[string]domain.Product,
	lotsByProduct map[string][]domain.Lot,
	actor domain.Actor,
	now time.Time,
) (salePlan, error) {
	saleID := xid.New("sale")
	ledger := fifo.NewLedger(lotsByProduct)

	updated := make(map[string]domain.Product, len(products))
	touchedOrder := make([]string, 0, len(products))
	items := make([]domain.SaleLineItem, 0, len(quotation.Lines))
	movements := make([]domain.MovementAuditEntry, 0, len(quotation.Lines)*2)
	total := decimal.Zero

	for _, line := range quotation.Lines {
		product, ok := updated[line.ProductID]
		if !ok {
			product = products[line.ProductID]
			touchedOrder = append(touchedOrder, line.ProductID)
		}

		consumed, err := ledger.Consume(line.ProductID, line.Qty)
		if err != nil {
			var insufficient *domain.InsufficientStockError
			if errors.As(err, &insufficient) {
				insufficient.ProductName = product.Name
			}
			return salePlan{}, err
		}

		qty := decimal.NewFromInt(int64(line.Qty))
		subtotal := line.UnitPrice.Mul(qty)
		unitCost := consumed.TotalCost.Div(qty).Round(2)
		item := domain.SaleLineItem{
			ID:          xid.New("item"),
			SaleID:      saleID,
			ProductID:   line.ProductID,
			ProductName: firstNonEmpty(line.ProductName, product.Name),
			Qty:         line.Qty,
			UnitPrice:   line.UnitPrice,
			Subtotal:    subtotal,
			UnitCost:    unitCost,
			UnitProfit:  line.UnitPrice.Sub(unitCost),
			TotalCost:   consumed.TotalCost,
			TotalProfit: subtotal.Sub(consumed.TotalCost),
		}
		items = append(items, item)
		total = total.Add(subtotal)

		for _, mv := range consumed.Movements {
			movements = append(movements, domain.MovementAuditEntry{
				ID:                xid.New("mov"),
				SaleID:            saleID,
				SaleItemID:        item.ID,
				LotID:             mv.LotID,
				ProductID:         mv.ProductID,
				Qty:               mv.Qty,
				UnitCost:          mv.UnitCost,
				LotRemainingAfter: mv.RemainingAfter,
				Type:              domain.MovementTypeSale,
				Actor:             actor.Username,
				CreatedAt:         now,
			})
		}

		product.Stock -= line.Qty
		updated[line.ProductID] = product
	}

	productWrites := make([]domain.Product, 0, len(touchedOrder))
	for _, id := range touchedOrder {
		product := updated[id]
		product.PurchaseCost = ledger.CurrentCost(id)
		product.UpdatedAt = now
		productWrites = append(productWrites, product)
	}

	payments, method, err := buildPayments(quotation, saleID, total, now)
	if err != nil {
		return salePlan{}, err
	}

	return salePlan{
		receipt: domain.SaleReceipt{
			Sale: domain.Sale{
				ID:            saleID,
				QuotationID:   quotation.ID,
				CustomerRef:   quotation.CustomerRef,
				Total:         total,
				PaymentMethod: method,
				Status:        domain.SaleStatusCompleted,
				CreatedBy:     actor.Username,
				CreatedAt:     now,
			},
			Items:    items,
			Payments: payments,
		},
		lots:      ledger.Touched(),
		products:  productWrites,
		movements: movements,
	}, nil
}

// buildPayments returns one record per split, or a single record for the
// whole total when the quotation has no splits.
func buildPayments(quotation domain.Quotation, saleID string, total decimal.Decimal, now time.Time) ([]domain.PaymentRecord, string, error) {
	if len(quotation.PaymentSplits) == 0 {
		method := quotation.PaymentMethod
		if method == "" || method == domain.PaymentMethodMixed {
			method = domain.PaymentMethodCash
		}
		return []domain.PaymentRecord{{
			ID:          xid.New("pay"),
			SaleID:      saleID,
			Method:      method,
			Amount:      total,
			CustomerRef: quotation.CustomerRef,
			Status:      domain.PaymentStatusCompleted,
			CreatedAt:   now,
		}}, method, nil
	}

	if err := checkPaymentSplits(quotation.PaymentSplits, total); err != nil {
		return nil, "", err
	}
	payments := make([]domain.PaymentRecord, 0, len(quotation.PaymentSplits))
	for _, split := range quotation.PaymentSplits {
		payments = append(payments, domain.PaymentRecord{
			ID:          xid.New("pay"),
			SaleID:      saleID,
			Method:      split.Method,
			Amount:      split.Amount,
			Reference:   split.Reference,
			CustomerRef: quotation.CustomerRef,
			Status:      domain.PaymentStatusCompleted,
			CreatedAt:   now,
		})
	}
	return payments, domain.PaymentMethodMixed, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
