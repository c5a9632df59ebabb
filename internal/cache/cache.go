package cache

import (
	"context"
	"time"

	"bengkelpos/backend/internal/domain"
)

// SaleCache holds finalized sale receipts. Receipts are immutable once
// written, so entries never need invalidation.
type SaleCache interface {
	Get(ctx context.Context, saleID string) (*domain.SaleReceipt, bool, error)
	Set(ctx context.Context, receipt *domain.SaleReceipt, ttl time.Duration) error
}

type NoopSaleCache struct{}

func (NoopSaleCache) Get(_ context.Context, _ string) (*domain.SaleReceipt, bool, error) {
	return nil, false, nil
}

func (NoopSaleCache) Set(_ context.Context, _ *domain.SaleReceipt, _ time.Duration) error {
	return nil
}

func saleKey(saleID string) string {
	return "bengkelpos:sale:" + saleID
}
