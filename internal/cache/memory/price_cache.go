// Package memory provides in-process implementations of the domain cache
// interfaces for single-node deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

type quote struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache implements domain.PriceCache with a mutex-guarded map.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewPriceCache returns an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]quote)}
}

// Seed loads static prices stamped with the current time.
func (c *PriceCache) Seed(prices map[string]decimal.Decimal) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, p := range prices {
		c.quotes[sym] = quote{price: p, ts: now}
	}
}

// SetPrice stores the latest price for symbol.
func (c *PriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	c.quotes[symbol] = quote{price: price, ts: ts}
	c.mu.Unlock()
	return nil
}

// GetPrice returns the latest price for symbol or domain.ErrNotFound.
func (c *PriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return q.price, q.ts, nil
}

// GetPrices returns the known prices among symbols. Unknown symbols are
// omitted.
func (c *PriceCache) GetPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		if q, ok := c.quotes[sym]; ok {
			out[sym] = q.price
		}
	}
	return out, nil
}

// ReferencePrice implements domain.PriceSource.
func (c *PriceCache) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p, _, err := c.GetPrice(ctx, symbol)
	return p, err
}

var _ domain.PriceCache = (*PriceCache)(nil)
