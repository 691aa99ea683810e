package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dukapos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateItem     = errors.New("item already exists")
	ErrInactiveItem      = errors.New("item is inactive")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("invalid input")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrPersistence       = errors.New("persistence failure")
)

// ValidationError reports a rejected request field. It matches
// errors.Is(err, ErrValidation).
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientStockError reports a sale or adjustment that would
// drive stock negative. It matches errors.Is(err, ErrInsufficientStock).
type InsufficientStockError struct {
	Category  string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s/%s: requested %d, available %d",
		e.Category, e.Name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// PersistenceError wraps a backend I/O failure. It is the only error
// class callers may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying. Domain errors
// never are; only backend persistence failures qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// ClassifyAdjustment maps a stock adjustment request onto its ledger
// change type. A zero delta is a price-only adjustment and is recorded
// as an adjust entry rather than an empty add.
func ClassifyAdjustment(req domain.AdjustStockRequest) (changeType string, quantity int, note string) {
	note = req.Note
	switch {
	case req.Delta > 0:
		return domain.ChangeAdd, req.Delta, note
	case req.Delta < 0:
		return domain.ChangeRemove, -req.Delta, note
	default:
		if note == "" {
			note = "price change"
		}
		return domain.ChangeAdjust, 0, note
	}
}

// ValidateStockEntry checks that a ledger row is internally consistent
// before it is appended: non-negative stock levels and a new stock
// level that matches the declared change type and quantity.
func ValidateStockEntry(entry domain.StockHistoryEntry) error {
	if entry.Quantity < 0 {
		return &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	if entry.PreviousStock < 0 {
		return &ValidationError{Field: "previous_stock", Reason: "must not be negative"}
	}
	if entry.NewStock < 0 {
		return &ValidationError{Field: "new_stock", Reason: "must not be negative"}
	}
	switch entry.ChangeType {
	case domain.ChangeAdd:
		if entry.NewStock != entry.PreviousStock+entry.Quantity {
			return &ValidationError{Field: "new_stock", Reason: "does not match add quantity"}
		}
	case domain.ChangeRemove, domain.ChangeSale:
		if entry.NewStock != entry.PreviousStock-entry.Quantity {
			return &ValidationError{Field: "new_stock", Reason: "does not match removed quantity"}
		}
	case domain.ChangeAdjust:
		diff := entry.NewStock - entry.PreviousStock
		if diff < 0 {
			diff = -diff
		}
		if diff != entry.Quantity {
			return &ValidationError{Field: "new_stock", Reason: "does not match adjusted quantity"}
		}
	default:
		return &ValidationError{Field: "change_type", Reason: "unknown change type"}
	}
	return nil
}

// SaleCommit is the input to an atomic cart commit. The repository
// re-reads prices from the catalog; Lines carry quantities only.
type SaleCommit struct {
	Lines []domain.CartLine
	Ctx   domain.SaleContext
	Actor domain.Actor
}

// ClearDayResult reports what a day reversal removed.
type ClearDayResult struct {
	SalesRemoved  int
	ItemsAffected int
}

// Repository is the ledger contract. Writes hold writer exclusivity
// for the full span of the call; reads see consistent snapshots.
type Repository interface {
	CreateItem(ctx context.Context, req domain.CreateItemRequest, actor domain.Actor) (*domain.Item, error)
	GetItem(ctx context.Context, category string, name string) (*domain.Item, error)
	ListItems(ctx context.Context) ([]domain.Item, error)
	DeactivateItem(ctx context.Context, category string, name string, actor domain.Actor) (*domain.Item, error)
	AdjustStock(ctx context.Context, req domain.AdjustStockRequest, actor domain.Actor) (*domain.Item, error)
	LowStockItems(ctx context.Context, threshold int) ([]domain.Item, error)
	TopSellingItems(ctx context.Context, limit int, windowDays int, asOf time.Time) ([]domain.TopSellingRow, error)

	CommitSale(ctx context.Context, commit SaleCommit) ([]domain.Sale, error)
	ClearDay(ctx context.Context, date string, actor domain.Actor) (*ClearDayResult, error)
	SalesByDate(ctx context.Context, date string) ([]domain.DailySalesRow, error)
	SalesRaw(ctx context.Context, date string) ([]domain.Sale, error)

	GetDailySummary(ctx context.Context, date string) (*domain.DailySummary, error)
	StockHistory(ctx context.Context, query domain.StockHistoryQuery) ([]domain.StockHistoryEntry, error)

	AppendActivity(ctx context.Context, entry domain.ActivityLogEntry) error
	ListActivity(ctx context.Context, limit int) ([]domain.ActivityLogEntry, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
