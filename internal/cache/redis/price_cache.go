package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfolio/posengine/internal/domain"
)

// priceRetention bounds how far back observations are kept per symbol.
const priceRetention = 14 * 24 * time.Hour

// priceTolerance is the maximum distance between the requested time and
// the nearest stored observation before the price counts as unavailable.
const priceTolerance = time.Hour

// PriceCache implements domain.SettlementPriceSource on a sorted set per
// symbol: score is the observation timestamp (ms), member is "ts:price"
// so identical prices at different times stay distinct. The gateway feed
// records prices as trades happen; fee normalisation later asks for the
// price observed near a trade's time.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceSeriesKey(symbol string) string {
	return key("px", symbol)
}

// Record stores one price observation and trims observations older than
// the retention window.
func (pc *PriceCache) Record(ctx context.Context, symbol string, price float64, at time.Time) error {
	key := priceSeriesKey(symbol)
	ms := at.UnixMilli()
	member := strconv.FormatInt(ms, 10) + ":" + strconv.FormatFloat(price, 'f', -1, 64)

	pipe := pc.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: member})
	cutoff := at.Add(-priceRetention).UnixMilli()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: record price %s: %w", symbol, err)
	}
	return nil
}

// PriceAt returns the stored price observed closest to at, searching both
// directions within the tolerance window. It returns
// domain.ErrPriceUnavailable when no observation is close enough, which
// callers treat as "defer, do not estimate".
func (pc *PriceCache) PriceAt(ctx context.Context, symbol string, at time.Time) (float64, error) {
	key := priceSeriesKey(symbol)
	ms := at.UnixMilli()
	lo := strconv.FormatInt(at.Add(-priceTolerance).UnixMilli(), 10)
	hi := strconv.FormatInt(at.Add(priceTolerance).UnixMilli(), 10)

	members, err := pc.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: lo,
		Max: hi,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis: price at %s: %w", symbol, err)
	}
	if len(members) == 0 {
		return 0, domain.ErrPriceUnavailable
	}

	best := members[0]
	bestDist := absInt64(int64(best.Score) - ms)
	for _, m := range members[1:] {
		if d := absInt64(int64(m.Score) - ms); d < bestDist {
			best, bestDist = m, d
		}
	}

	raw, ok := best.Member.(string)
	if !ok {
		return 0, fmt.Errorf("redis: price at %s: unexpected member type %T", symbol, best.Member)
	}
	_, priceStr, found := strings.Cut(raw, ":")
	if !found {
		return 0, fmt.Errorf("redis: price at %s: malformed member %q", symbol, raw)
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	return price, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Compile-time interface check.
var _ domain.SettlementPriceSource = (*PriceCache)(nil)
