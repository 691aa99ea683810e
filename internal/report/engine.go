package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dukapos/backend/internal/cache"
	"dukapos/backend/internal/domain"
)

// Reader is the read-side slice of the ledger the engine serves from.
type Reader interface {
	GetDailySummary(ctx context.Context, date string) (*domain.DailySummary, error)
	SalesByDate(ctx context.Context, date string) ([]domain.DailySalesRow, error)
	TopSellingItems(ctx context.Context, limit int, windowDays int, asOf time.Time) ([]domain.TopSellingRow, error)
}

// Engine serves report reads cache-aside. Writers must call
// Invalidate after every commit that touches a date so cached
// snapshots never outlive the ledger state they were built from.
type Engine struct {
	reader   Reader
	cache    cache.ReportCache
	cacheTTL time.Duration
}

func NewEngine(reader Reader, cacheStore cache.ReportCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopReportCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Engine{
		reader:   reader,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

func (e *Engine) DailySummary(ctx context.Context, date string) (*domain.DailySummary, error) {
	key := summaryKey(date)
	if payload, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var summary domain.DailySummary
		if err := json.Unmarshal(payload, &summary); err == nil {
			return &summary, nil
		}
	}

	summary, err := e.reader.GetDailySummary(ctx, date)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(summary); err == nil {
		_ = e.cache.Set(ctx, key, payload, e.cacheTTL)
	}
	return summary, nil
}

func (e *Engine) SalesByDate(ctx context.Context, date string) ([]domain.DailySalesRow, error) {
	key := salesKey(date)
	if payload, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var rows []domain.DailySalesRow
		if err := json.Unmarshal(payload, &rows); err == nil {
			return rows, nil
		}
	}

	rows, err := e.reader.SalesByDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(rows); err == nil {
		_ = e.cache.Set(ctx, key, payload, e.cacheTTL)
	}
	return rows, nil
}

// TopSelling caches per limit, window and reference day so a window
// computed for one day never serves another.
func (e *Engine) TopSelling(ctx context.Context, limit int, windowDays int, asOf time.Time) ([]domain.TopSellingRow, error) {
	key := fmt.Sprintf("pos:report:top:%d:%d:%s", limit, windowDays, asOf.UTC().Format("2006-01-02"))
	if payload, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		var rows []domain.TopSellingRow
		if err := json.Unmarshal(payload, &rows); err == nil {
			return rows, nil
		}
	}

	rows, err := e.reader.TopSellingItems(ctx, limit, windowDays, asOf)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(rows); err == nil {
		_ = e.cache.Set(ctx, key, payload, e.cacheTTL)
	}
	return rows, nil
}

// Invalidate drops the cached snapshots for a date. Top-selling keys
// are left to expire by TTL.
func (e *Engine) Invalidate(ctx context.Context, date string) {
	_ = e.cache.Delete(ctx, summaryKey(date), salesKey(date))
}

func summaryKey(date string) string { return "pos:report:summary:" + date }

func salesKey(date string) string { return "pos:report:sales:" + date }
