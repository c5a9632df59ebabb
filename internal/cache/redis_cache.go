package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"bengkelpos/backend/internal/domain"
)

type RedisSaleCache struct {
	client *redis.Client
}

func NewRedisSaleCache(addr string, password string, db int) *RedisSaleCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSaleCache{client: client}
}

func (c *RedisSaleCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSaleCache) Close() error {
	return c.client.Close()
}

func (c *RedisSaleCache) Get(ctx context.Context, saleID string) (*domain.SaleReceipt, bool, error) {
	val, err := c.client.Get(ctx, saleKey(saleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var receipt domain.SaleReceipt
	if err := json.Unmarshal(val, &receipt); err != nil {
		return nil, false, err
	}
	return &receipt, true, nil
}

func (c *RedisSaleCache) Set(ctx context.Context, receipt *domain.SaleReceipt, ttl time.Duration) error {
	if receipt == nil || receipt.Sale.ID == "" {
		return nil
	}
	payload, err := json.Marshal(receipt)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, saleKey(receipt.Sale.ID), payload, ttl).Err()
}
