package service

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

var testDay = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

const testDate = "2026-03-14"

func newTestService() *Service {
	svc := New(memory.New(), nil)
	svc.now = func() time.Time { return testDay }
	return svc
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "jane", Role: "cashier"})
}

func addRice(t *testing.T, svc *Service, stock int) {
	t.Helper()
	_, err := svc.AddItem(adminCtx(), domain.CreateItemRequest{
		Category:     "Food",
		Name:         "Rice",
		BuyingPrice:  45,
		SellingPrice: 70,
		InitialStock: stock,
	})
	if err != nil {
		t.Fatalf("add item failed: %v", err)
	}
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRecordSaleComputesAmountProfitAndStock(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	sales, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 10},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("expected 1 sale line, got %d", len(sales))
	}
	if !approxEqual(sales[0].Amount, 700) {
		t.Fatalf("expected amount 700.00, got %.2f", sales[0].Amount)
	}
	if !approxEqual(sales[0].Profit, 250) {
		t.Fatalf("expected profit 250.00, got %.2f", sales[0].Profit)
	}
	if sales[0].SoldBy != "jane" {
		t.Fatalf("expected sold_by jane, got %s", sales[0].SoldBy)
	}

	item, err := svc.GetItem(context.Background(), "Food", "Rice")
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.CurrentStock != 90 {
		t.Fatalf("expected stock 90, got %d", item.CurrentStock)
	}
	if item.TotalSold != 10 || !approxEqual(item.TotalRevenue, 700) || !approxEqual(item.TotalProfit, 250) {
		t.Fatalf("item totals wrong: sold=%d revenue=%.2f profit=%.2f", item.TotalSold, item.TotalRevenue, item.TotalProfit)
	}

	summary, err := svc.DailySummary(context.Background(), testDate)
	if err != nil {
		t.Fatalf("daily summary failed: %v", err)
	}
	if !approxEqual(summary.CashSales, 700) || !approxEqual(summary.TotalSales, 700) {
		t.Fatalf("expected cash 700 total 700, got cash=%.2f total=%.2f", summary.CashSales, summary.TotalSales)
	}
	if summary.MostSoldItem != "Rice" || summary.MostSoldCategory != "Food" {
		t.Fatalf("expected most sold Rice/Food, got %s/%s", summary.MostSoldItem, summary.MostSoldCategory)
	}
	if summary.ItemsSold != 10 {
		t.Fatalf("expected 10 items sold, got %d", summary.ItemsSold)
	}
}

func TestRecordSaleInsufficientStockLeavesNothingBehind(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 10)

	_, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 15},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected typed stock error, got %T", err)
	}
	if stockErr.Requested != 15 || stockErr.Available != 10 {
		t.Fatalf("expected requested=15 available=10, got %d/%d", stockErr.Requested, stockErr.Available)
	}

	item, err := svc.GetItem(context.Background(), "Food", "Rice")
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.CurrentStock != 10 || item.TotalSold != 0 {
		t.Fatalf("expected item untouched, got stock=%d sold=%d", item.CurrentStock, item.TotalSold)
	}

	if _, err := svc.DailySummary(context.Background(), testDate); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no summary, got %v", err)
	}
	sales, err := svc.SalesRaw(context.Background(), testDate)
	if err != nil {
		t.Fatalf("sales raw failed: %v", err)
	}
	if len(sales) != 0 {
		t.Fatalf("expected no sale rows, found %d", len(sales))
	}
}

func TestRecordSaleMultiLineIsAtomic(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)
	if _, err := svc.AddItem(adminCtx(), domain.CreateItemRequest{
		Category: "Drinks", Name: "Chai", BuyingPrice: 12, SellingPrice: 25, InitialStock: 50,
	}); err != nil {
		t.Fatalf("add item failed: %v", err)
	}

	_, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 5},
		{Category: "Drinks", Name: "Chai", Quantity: 3},
		{Category: "Drinks", Name: "Chai", Quantity: 60},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}

	rice, _ := svc.GetItem(context.Background(), "Food", "Rice")
	chai, _ := svc.GetItem(context.Background(), "Drinks", "Chai")
	if rice.CurrentStock != 100 || chai.CurrentStock != 50 {
		t.Fatalf("expected no partial decrement, got rice=%d chai=%d", rice.CurrentStock, chai.CurrentStock)
	}
	sales, _ := svc.SalesRaw(context.Background(), testDate)
	if len(sales) != 0 {
		t.Fatalf("expected no sale rows after failed cart, found %d", len(sales))
	}
}

func TestRecordSaleUnknownItemAndInactiveItem(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	_, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Pilau", Quantity: 1},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := svc.DeactivateItem(adminCtx(), "Food", "Rice"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	_, err = svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 1},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrInactiveItem) {
		t.Fatalf("expected inactive item error, got %v", err)
	}
}

func TestRecordSaleRejectsBadInput(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	_, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 1},
	}, domain.SaleContext{PaymentMethod: "bitcoin"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for payment method, got %v", err)
	}

	_, err = svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 0},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for quantity, got %v", err)
	}

	_, err = svc.RecordSale(context.Background(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 1},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected authorization error without actor, got %v", err)
	}
}

func TestRecordSaleUsesCatalogPriceAtCommit(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	newSelling := 80.0
	if _, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Category: "Food", Name: "Rice", SellingPrice: &newSelling,
	}); err != nil {
		t.Fatalf("price change failed: %v", err)
	}

	sales, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 2},
	}, domain.SaleContext{PaymentMethod: "mpesa"})
	if err != nil {
		t.Fatalf("record sale failed: %v", err)
	}
	if !approxEqual(sales[0].UnitPrice, 80) || !approxEqual(sales[0].Amount, 160) {
		t.Fatalf("expected commit-time price 80, got unit=%.2f amount=%.2f", sales[0].UnitPrice, sales[0].Amount)
	}
}

func TestClearDayRoundTrip(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	if _, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 10},
	}, domain.SaleContext{PaymentMethod: "cash"}); err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	result, err := svc.ClearDay(adminCtx(), testDate)
	if err != nil {
		t.Fatalf("clear day failed: %v", err)
	}
	if result.SalesRemoved != 1 || result.ItemsAffected != 1 {
		t.Fatalf("expected 1 sale / 1 item reversed, got %d/%d", result.SalesRemoved, result.ItemsAffected)
	}

	item, err := svc.GetItem(context.Background(), "Food", "Rice")
	if err != nil {
		t.Fatalf("get item failed: %v", err)
	}
	if item.CurrentStock != 100 || item.TotalSold != 0 {
		t.Fatalf("expected counters restored, got stock=%d sold=%d", item.CurrentStock, item.TotalSold)
	}
	if !approxEqual(item.TotalRevenue, 0) || !approxEqual(item.TotalProfit, 0) {
		t.Fatalf("expected revenue/profit restored, got %.2f/%.2f", item.TotalRevenue, item.TotalProfit)
	}

	if _, err := svc.DailySummary(context.Background(), testDate); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected summary gone after clear, got %v", err)
	}
	sales, _ := svc.SalesRaw(context.Background(), testDate)
	if len(sales) != 0 {
		t.Fatalf("expected sale rows deleted, found %d", len(sales))
	}

	// The ledger keeps the original sale entry and gains one
	// compensating adjust entry.
	entries, err := svc.StockHistory(context.Background(), domain.StockHistoryQuery{Name: "Rice"})
	if err != nil {
		t.Fatalf("stock history failed: %v", err)
	}
	var saleEntries, adjustEntries int
	for _, entry := range entries {
		switch entry.ChangeType {
		case domain.ChangeSale:
			saleEntries++
		case domain.ChangeAdjust:
			adjustEntries++
		}
	}
	if saleEntries != 1 || adjustEntries != 1 {
		t.Fatalf("expected 1 sale + 1 adjust entry, got %d/%d", saleEntries, adjustEntries)
	}

	logs, err := svc.ListActivityLogs(adminCtx(), 50)
	if err != nil {
		t.Fatalf("list activity failed: %v", err)
	}
	var sawSale, sawClear bool
	for _, entry := range logs {
		switch entry.Action {
		case "record_sale":
			sawSale = true
		case "clear_day":
			sawClear = true
		}
	}
	if !sawSale || !sawClear {
		t.Fatalf("expected both record_sale and clear_day activity, got sale=%t clear=%t", sawSale, sawClear)
	}
}

func TestClearDayRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.ClearDay(cashierCtx(), testDate); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

func TestClearDayOnEmptyDateIsNoop(t *testing.T) {
	svc := newTestService()

	result, err := svc.ClearDay(adminCtx(), testDate)
	if err != nil {
		t.Fatalf("clear day failed: %v", err)
	}
	if result.SalesRemoved != 0 {
		t.Fatalf("expected 0 sales removed, got %d", result.SalesRemoved)
	}
}

func TestDailySummaryBucketsPaymentMethods(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)
	if _, err := svc.AddItem(adminCtx(), domain.CreateItemRequest{
		Category: "Drinks", Name: "Chai", BuyingPrice: 12, SellingPrice: 25, InitialStock: 100,
	}); err != nil {
		t.Fatalf("add item failed: %v", err)
	}

	carts := []struct {
		method string
		name   string
		cat    string
		qty    int
	}{
		{"cash", "Rice", "Food", 2},
		{"mpesa", "Chai", "Drinks", 4},
		{"card", "Rice", "Food", 1},
		{"other", "Chai", "Drinks", 1},
	}
	for _, cart := range carts {
		if _, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
			{Category: cart.cat, Name: cart.name, Quantity: cart.qty},
		}, domain.SaleContext{PaymentMethod: cart.method}); err != nil {
			t.Fatalf("record sale (%s) failed: %v", cart.method, err)
		}
	}

	summary, err := svc.DailySummary(context.Background(), testDate)
	if err != nil {
		t.Fatalf("daily summary failed: %v", err)
	}
	if !approxEqual(summary.CashSales, 140) {
		t.Fatalf("expected cash 140, got %.2f", summary.CashSales)
	}
	if !approxEqual(summary.MpesaSales, 100) {
		t.Fatalf("expected mpesa 100, got %.2f", summary.MpesaSales)
	}
	if !approxEqual(summary.CardSales, 70) {
		t.Fatalf("expected card 70, got %.2f", summary.CardSales)
	}
	if !approxEqual(summary.OtherSales, 25) {
		t.Fatalf("expected other 25, got %.2f", summary.OtherSales)
	}
	if !approxEqual(summary.TotalSales, 335) {
		t.Fatalf("expected total 335, got %.2f", summary.TotalSales)
	}
	// Chai leads by quantity (5 vs 3).
	if summary.MostSoldItem != "Chai" {
		t.Fatalf("expected most sold Chai, got %s", summary.MostSoldItem)
	}
	if summary.ItemsSold != 8 {
		t.Fatalf("expected 8 items sold, got %d", summary.ItemsSold)
	}
}

func TestAddItemValidation(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	_, err := svc.AddItem(adminCtx(), domain.CreateItemRequest{
		Category: "Food", Name: "Rice", BuyingPrice: 45, SellingPrice: 70, InitialStock: 5,
	})
	if !errors.Is(err, store.ErrDuplicateItem) {
		t.Fatalf("expected duplicate item error, got %v", err)
	}

	_, err = svc.AddItem(adminCtx(), domain.CreateItemRequest{
		Category: "Food", Name: "Beans", BuyingPrice: 50, SellingPrice: 40, InitialStock: 5,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for selling < buying, got %v", err)
	}
	var vErr *store.ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "selling_price" {
		t.Fatalf("expected selling_price field, got %+v", vErr)
	}
}

func TestAdjustStockAuthorizationAndBounds(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 10)

	// Top-up is open to cashiers.
	item, err := svc.AdjustStock(cashierCtx(), domain.AdjustStockRequest{
		Category: "Food", Name: "Rice", Delta: 5,
	})
	if err != nil {
		t.Fatalf("top-up failed: %v", err)
	}
	if item.CurrentStock != 15 {
		t.Fatalf("expected stock 15, got %d", item.CurrentStock)
	}

	// Removal is admin only.
	if _, err := svc.AdjustStock(cashierCtx(), domain.AdjustStockRequest{
		Category: "Food", Name: "Rice", Delta: -1,
	}); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	// Removal below zero is rejected with the typed error.
	_, err = svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Category: "Food", Name: "Rice", Delta: -20,
	})
	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
	if stockErr.Requested != 20 || stockErr.Available != 15 {
		t.Fatalf("expected requested=20 available=15, got %d/%d", stockErr.Requested, stockErr.Available)
	}
}

func TestAdjustStockWritesSingleHistoryEntry(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 10)

	if _, err := svc.AdjustStock(adminCtx(), domain.AdjustStockRequest{
		Category: "Food", Name: "Rice", Delta: -3, Note: "spoilage",
	}); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	entries, err := svc.StockHistory(context.Background(), domain.StockHistoryQuery{Name: "Rice"})
	if err != nil {
		t.Fatalf("stock history failed: %v", err)
	}
	var removes int
	for _, entry := range entries {
		if entry.ChangeType == domain.ChangeRemove {
			removes++
			if entry.Quantity != 3 {
				t.Fatalf("expected quantity 3, got %d", entry.Quantity)
			}
			if entry.Note != "spoilage" {
				t.Fatalf("expected note carried, got %q", entry.Note)
			}
		}
	}
	if removes != 1 {
		t.Fatalf("expected exactly one remove entry, got %d", removes)
	}
}

func TestActivityLogsAdminOnly(t *testing.T) {
	svc := newTestService()

	if _, err := svc.ListActivityLogs(cashierCtx(), 10); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}

// flakyRepo fails CommitSale with a persistence error a fixed number
// of times before delegating to the real store.
type flakyRepo struct {
	store.Repository
	failures int
	calls    int
}

func (f *flakyRepo) CommitSale(ctx context.Context, commit store.SaleCommit) ([]domain.Sale, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &store.PersistenceError{Op: "CommitSale", Err: errors.New("connection reset")}
	}
	return f.Repository.CommitSale(ctx, commit)
}

func TestRecordSaleRetriesPersistenceFailures(t *testing.T) {
	repo := &flakyRepo{Repository: memory.New(), failures: 2}
	svc := New(repo, nil)
	svc.now = func() time.Time { return testDay }

	if _, err := svc.AddItem(adminCtx(), domain.CreateItemRequest{
		Category: "Food", Name: "Rice", BuyingPrice: 45, SellingPrice: 70, InitialStock: 100,
	}); err != nil {
		t.Fatalf("add item failed: %v", err)
	}

	sales, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 1},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(sales) != 1 {
		t.Fatalf("expected 1 sale, got %d", len(sales))
	}
	if repo.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", repo.calls)
	}
}

func TestRecordSaleDoesNotRetryDomainErrors(t *testing.T) {
	repo := &flakyRepo{Repository: memory.New(), failures: 0}
	svc := New(repo, nil)
	svc.now = func() time.Time { return testDay }

	_, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 1},
	}, domain.SaleContext{PaymentMethod: "cash"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if repo.calls != 1 {
		t.Fatalf("expected a single attempt for a domain error, got %d", repo.calls)
	}
}

func TestTopSellingWindowFollowsServiceClock(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 100)

	if _, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
		{Category: "Food", Name: "Rice", Quantity: 2},
	}, domain.SaleContext{PaymentMethod: "cash"}); err != nil {
		t.Fatalf("record sale failed: %v", err)
	}

	top, err := svc.TopSellingItems(context.Background(), 5, 7)
	if err != nil {
		t.Fatalf("top selling failed: %v", err)
	}
	if len(top) != 1 || top[0].ItemName != "Rice" || top[0].Quantity != 2 {
		t.Fatalf("expected Rice x2 inside window, got %+v", top)
	}

	// A clock pinned weeks later puts the sale outside the window.
	svc.now = func() time.Time { return testDay.AddDate(0, 0, 30) }
	top, err = svc.TopSellingItems(context.Background(), 5, 7)
	if err != nil {
		t.Fatalf("top selling failed: %v", err)
	}
	if len(top) != 0 {
		t.Fatalf("expected empty window under advanced clock, got %+v", top)
	}
}

func TestDetectOperationalAnomalies(t *testing.T) {
	svc := newTestService()
	addRice(t, svc, 1000)

	for i := 0; i < 2; i++ {
		if _, err := svc.RecordSale(cashierCtx(), []domain.CartLine{
			{Category: "Food", Name: "Rice", Quantity: 1},
		}, domain.SaleContext{PaymentMethod: "cash"}); err != nil {
			t.Fatalf("record sale failed: %v", err)
		}
		if _, err := svc.ClearDay(adminCtx(), testDate); err != nil {
			t.Fatalf("clear day failed: %v", err)
		}
	}

	alerts, err := svc.DetectOperationalAnomalies(adminCtx())
	if err != nil {
		t.Fatalf("anomaly scan failed: %v", err)
	}
	var sawClearSpike bool
	for _, alert := range alerts {
		if alert.Kind == "clear_day_spike" && alert.Username == "admin" {
			sawClearSpike = true
		}
	}
	if !sawClearSpike {
		t.Fatalf("expected clear_day_spike alert, got %+v", alerts)
	}

	if _, err := svc.DetectOperationalAnomalies(cashierCtx()); !errors.Is(err, store.ErrNotAuthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}
}
