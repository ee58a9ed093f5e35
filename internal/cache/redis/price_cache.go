package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// priceTTL keeps stale prices from surviving long outages.
const priceTTL = 10 * time.Minute

// PriceCache stores the latest observed price per token.
type PriceCache struct {
	client *Client
}

// NewPriceCache builds a price cache over the shared client.
func NewPriceCache(client *Client) *PriceCache {
	return &PriceCache{client: client}
}

type priceEntry struct {
	Price float64   `json:"price"`
	TS    time.Time `json:"ts"`
}

func priceKey(addr string) string {
	return "sniper:price:" + strings.ToLower(addr)
}

// SetPrice records the latest price for a token.
func (c *PriceCache) SetPrice(ctx context.Context, tokenAddress string, price float64, ts time.Time) error {
	blob, err := json.Marshal(priceEntry{Price: price, TS: ts})
	if err != nil {
		return fmt.Errorf("redis: marshal price: %w", err)
	}
	if err := c.client.rdb.Set(ctx, priceKey(tokenAddress), blob, priceTTL).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", tokenAddress, err)
	}
	return nil
}

// GetPrice returns the latest recorded price, or domain.ErrNotFound.
func (c *PriceCache) GetPrice(ctx context.Context, tokenAddress string) (float64, time.Time, error) {
	blob, err := c.client.rdb.Get(ctx, priceKey(tokenAddress)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", tokenAddress, domain.ErrNotFound)
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", tokenAddress, err)
	}
	var e priceEntry
	if err := json.Unmarshal(blob, &e); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: decode price %s: %w", tokenAddress, err)
	}
	return e.Price, e.TS, nil
}
