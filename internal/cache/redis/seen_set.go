package redis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SeenSet dedupes discovered token addresses with a TTL per entry, so a
// token observed through both the mempool and its pool event is emitted
// once, and the set stays bounded across long runs.
type SeenSet struct {
	client *Client
	ttl    time.Duration
}

// NewSeenSet builds a seen-set with the given retention.
func NewSeenSet(client *Client, ttl time.Duration) *SeenSet {
	return &SeenSet{client: client, ttl: ttl}
}

func seenKey(addr string) string {
	return "sniper:seen:" + strings.ToLower(addr)
}

// MarkSeen records the address and reports whether it was already present.
// SET NX is atomic, so concurrent observers of the same token agree on a
// single first-seen winner.
func (s *SeenSet) MarkSeen(ctx context.Context, tokenAddress string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, seenKey(tokenAddress), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: mark seen %s: %w", tokenAddress, err)
	}
	return !ok, nil
}
