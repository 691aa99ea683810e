package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/report"
	"dukapos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const (
	commitAttempts = 3
	commitBackoff  = 50 * time.Millisecond
)

// Service coordinates the ledger: it authorizes and normalizes every
// request before the repository mutates anything, retries commits that
// fail on backend persistence, and keeps report caches honest.
type Service struct {
	repo    store.Repository
	reports *report.Engine
	now     func() time.Time
}

func New(repo store.Repository, reports *report.Engine) *Service {
	return &Service{
		repo:    repo,
		reports: reports,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) AddItem(ctx context.Context, req domain.CreateItemRequest) (domain.Item, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Item{}, store.ErrNotAuthorized
	}

	req.Category = strings.TrimSpace(req.Category)
	req.Name = strings.TrimSpace(req.Name)

	created, err := s.repo.CreateItem(ctx, req, actor)
	if err != nil {
		return domain.Item{}, err
	}
	return *created, nil
}

func (s *Service) GetItem(ctx context.Context, category string, name string) (domain.Item, error) {
	category = strings.TrimSpace(category)
	name = strings.TrimSpace(name)
	if category == "" || name == "" {
		return domain.Item{}, &store.ValidationError{Field: "name", Reason: "category and name required"}
	}

	item, err := s.repo.GetItem(ctx, category, name)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.repo.ListItems(ctx)
}

func (s *Service) DeactivateItem(ctx context.Context, category string, name string) (domain.Item, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Item{}, fmt.Errorf("admin role required: %w", store.ErrNotAuthorized)
	}

	category = strings.TrimSpace(category)
	name = strings.TrimSpace(name)
	if category == "" || name == "" {
		return domain.Item{}, &store.ValidationError{Field: "name", Reason: "category and name required"}
	}

	item, err := s.repo.DeactivateItem(ctx, category, name, actor)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

// AdjustStock applies a signed delta. Removing stock or changing
// prices is an admin operation; topping up is open to any actor.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (domain.Item, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Item{}, store.ErrNotAuthorized
	}
	privileged := req.Delta < 0 || req.BuyingPrice != nil || req.SellingPrice != nil
	if privileged && actor.Role != domain.RoleAdmin {
		return domain.Item{}, fmt.Errorf("admin role required: %w", store.ErrNotAuthorized)
	}

	req.Category = strings.TrimSpace(req.Category)
	req.Name = strings.TrimSpace(req.Name)
	req.Note = strings.TrimSpace(req.Note)
	if req.Category == "" || req.Name == "" {
		return domain.Item{}, &store.ValidationError{Field: "name", Reason: "category and name required"}
	}

	item, err := s.repo.AdjustStock(ctx, req, actor)
	if err != nil {
		return domain.Item{}, err
	}
	return *item, nil
}

func (s *Service) LowStockItems(ctx context.Context, threshold int) ([]domain.Item, error) {
	if threshold < 0 {
		threshold = 0
	}
	return s.repo.LowStockItems(ctx, threshold)
}

// TopSellingItems computes the trailing window from the service clock
// so reports stay reproducible under a pinned clock.
func (s *Service) TopSellingItems(ctx context.Context, limit int, windowDays int) ([]domain.TopSellingRow, error) {
	asOf := s.now()
	if s.reports != nil {
		return s.reports.TopSelling(ctx, limit, windowDays, asOf)
	}
	return s.repo.TopSellingItems(ctx, limit, windowDays, asOf)
}

// RecordSale commits a whole cart atomically. Every line is validated
// before any stock moves and prices are re-read from the catalog at
// commit time. Persistence failures are retried with bounded backoff;
// domain errors surface immediately.
func (s *Service) RecordSale(ctx context.Context, lines []domain.CartLine, saleCtx domain.SaleContext) ([]domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, store.ErrNotAuthorized
	}

	normalized := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		line.Category = strings.TrimSpace(line.Category)
		line.Name = strings.TrimSpace(line.Name)
		if line.Category == "" || line.Name == "" {
			return nil, &store.ValidationError{Field: "name", Reason: "category and name required"}
		}
		normalized = append(normalized, line)
	}
	if len(normalized) == 0 {
		return nil, &store.ValidationError{Field: "lines", Reason: "cart is empty"}
	}

	saleCtx.PaymentMethod = strings.ToLower(strings.TrimSpace(saleCtx.PaymentMethod))
	if !domain.ValidPaymentMethod(saleCtx.PaymentMethod) {
		return nil, &store.ValidationError{Field: "payment_method", Reason: "unknown method"}
	}
	if saleCtx.SoldBy == "" {
		saleCtx.SoldBy = actor.Username
	}
	now := s.now()
	if saleCtx.Date == "" {
		saleCtx.Date = now.Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", saleCtx.Date); err != nil {
		return nil, &store.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if saleCtx.Time == "" {
		saleCtx.Time = now.Format("15:04:05")
	}

	var sales []domain.Sale
	err := s.withRetry(ctx, "record_sale", func() error {
		var err error
		sales, err = s.repo.CommitSale(ctx, store.SaleCommit{
			Lines: normalized,
			Ctx:   saleCtx,
			Actor: actor,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.reports != nil {
		s.reports.Invalidate(ctx, saleCtx.Date)
	}
	return sales, nil
}

// ClearDay reverses every sale of the date. Admin only; the HTTP
// layer additionally gates it behind the manager PIN.
func (s *Service) ClearDay(ctx context.Context, date string) (store.ClearDayResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return store.ClearDayResult{}, fmt.Errorf("admin role required: %w", store.ErrNotAuthorized)
	}

	date = strings.TrimSpace(date)
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return store.ClearDayResult{}, &store.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}

	var result *store.ClearDayResult
	err := s.withRetry(ctx, "clear_day", func() error {
		var err error
		result, err = s.repo.ClearDay(ctx, date, actor)
		return err
	})
	if err != nil {
		return store.ClearDayResult{}, err
	}

	if s.reports != nil {
		s.reports.Invalidate(ctx, date)
	}
	log.Printf("[service] day %s cleared by %s: %d sale(s), %d item(s)", date, actor.Username, result.SalesRemoved, result.ItemsAffected)
	return *result, nil
}

func (s *Service) SalesByDate(ctx context.Context, date string) ([]domain.DailySalesRow, error) {
	date, err := s.normalizeDate(date)
	if err != nil {
		return nil, err
	}
	if s.reports != nil {
		return s.reports.SalesByDate(ctx, date)
	}
	return s.repo.SalesByDate(ctx, date)
}

func (s *Service) SalesRaw(ctx context.Context, date string) ([]domain.Sale, error) {
	date, err := s.normalizeDate(date)
	if err != nil {
		return nil, err
	}
	return s.repo.SalesRaw(ctx, date)
}

func (s *Service) DailySummary(ctx context.Context, date string) (domain.DailySummary, error) {
	date, err := s.normalizeDate(date)
	if err != nil {
		return domain.DailySummary{}, err
	}

	var summary *domain.DailySummary
	if s.reports != nil {
		summary, err = s.reports.DailySummary(ctx, date)
	} else {
		summary, err = s.repo.GetDailySummary(ctx, date)
	}
	if err != nil {
		return domain.DailySummary{}, err
	}
	return *summary, nil
}

func (s *Service) StockHistory(ctx context.Context, query domain.StockHistoryQuery) ([]domain.StockHistoryEntry, error) {
	query.Category = strings.TrimSpace(query.Category)
	query.Name = strings.TrimSpace(query.Name)
	for _, d := range []string{query.FromDate, query.ToDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, &store.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
		}
	}
	return s.repo.StockHistory(ctx, query)
}

func (s *Service) ListActivityLogs(ctx context.Context, limit int) ([]domain.ActivityLogEntry, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required: %w", store.ErrNotAuthorized)
	}
	return s.repo.ListActivity(ctx, limit)
}

// RecordAuthEvent appends a login or user-admin entry to the activity
// log. Failures are logged, not surfaced; an audit miss must never
// fail the operation it describes.
func (s *Service) RecordAuthEvent(ctx context.Context, username string, role string, action string, detail string) {
	if err := s.repo.AppendActivity(ctx, domain.ActivityLogEntry{
		Username:  username,
		Role:      role,
		Action:    action,
		Detail:    detail,
		CreatedAt: s.now(),
	}); err != nil {
		log.Printf("[service] WARN: failed to record %s for %s: %v", action, username, err)
	}
}

func (s *Service) normalizeDate(date string) (string, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return s.now().Format("2006-01-02"), nil
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return "", &store.ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	return date, nil
}

// withRetry runs fn up to commitAttempts times, backing off between
// tries. Only persistence failures are retried.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := commitBackoff
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		err = fn()
		if err == nil || !store.IsRetryable(err) {
			return err
		}
		if attempt == commitAttempts {
			break
		}
		log.Printf("[service] WARN: %s attempt %d failed, retrying: %v", op, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
