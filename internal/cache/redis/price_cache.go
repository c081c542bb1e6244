package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per symbol at
// "price:{symbol}" holding "price" (decimal string) and "ts" (Unix nanos).
type PriceCache struct {
	rdb    *redis.Client
	maxAge time.Duration
}

// NewPriceCache creates a PriceCache. With a positive maxAge,
// ReferencePrice treats quotes older than maxAge as missing.
func NewPriceCache(c *Client, maxAge time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), maxAge: maxAge}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// SetPrice stores the latest price for symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	err := pc.rdb.HSet(ctx, priceKey(symbol), map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the latest price for symbol, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	price, ts, ok, err := parseQuote(vals)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetPrices fetches many symbols in one pipeline. Missing or malformed
// entries are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, priceKey(sym))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	for sym, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok, err := parseQuote(vals); err == nil && ok {
			out[sym] = price
		}
	}
	return out, nil
}

// ReferencePrice implements domain.PriceSource.
func (pc *PriceCache) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, ts, err := pc.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if pc.maxAge > 0 && time.Since(ts) > pc.maxAge {
		return decimal.Zero, fmt.Errorf("redis: price %s is stale (%s): %w", symbol, ts.Format(time.RFC3339), domain.ErrNotFound)
	}
	return price, nil
}

func parseQuote(vals map[string]string) (decimal.Decimal, time.Time, bool, error) {
	rawPrice, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, false, nil
	}
	price, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return decimal.Zero, time.Time{}, false, err
	}
	var ts time.Time
	if rawTS, ok := vals["ts"]; ok {
		nanos, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, false, err
		}
		ts = time.Unix(0, nanos).UTC()
	}
	return price, ts, true, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
