package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

func TestClearDayRestoresCountersAndLedger(t *testing.T) {
	databaseURL := os.Getenv("DUKAPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	category := "IT-Food"
	name := fmt.Sprintf("Rice-IT-%d", stamp)
	date := "2026-03-14"
	admin := domain.Actor{Username: "admin", Role: "admin"}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE category = $1 AND item_name = $2`, category, name)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_history WHERE category = $1 AND item_name = $2`, category, name)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_item_counts WHERE category = $1 AND item_name = $2`, category, name)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM daily_summaries WHERE date = $1`, date)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM items WHERE category = $1 AND name = $2`, category, name)
	})

	if _, err := s.CreateItem(ctx, domain.CreateItemRequest{
		Category:     category,
		Name:         name,
		BuyingPrice:  45,
		SellingPrice: 70,
		InitialStock: 100,
	}, admin); err != nil {
		t.Fatalf("create item: %v", err)
	}

	sales, err := s.CommitSale(ctx, store.SaleCommit{
		Lines: []domain.CartLine{{Category: category, Name: name, Quantity: 10}},
		Ctx: domain.SaleContext{
			SoldBy:        "admin",
			Date:          date,
			Time:          "10:15:00",
			PaymentMethod: domain.PaymentCash,
		},
		Actor: admin,
	})
	if err != nil {
		t.Fatalf("commit sale: %v", err)
	}
	if len(sales) != 1 || sales[0].Amount != 700 || sales[0].Profit != 250 {
		t.Fatalf("unexpected sale rows: %+v", sales)
	}

	item, err := s.GetItem(ctx, category, name)
	if err != nil {
		t.Fatalf("get item after sale: %v", err)
	}
	if item.CurrentStock != 90 || item.TotalSold != 10 {
		t.Fatalf("expected stock=90 sold=10 after sale, got %d/%d", item.CurrentStock, item.TotalSold)
	}

	summary, err := s.GetDailySummary(ctx, date)
	if err != nil {
		t.Fatalf("get summary after sale: %v", err)
	}
	if summary.CashSales != 700 || summary.MostSoldItem != name {
		t.Fatalf("unexpected summary after sale: %+v", summary)
	}

	result, err := s.ClearDay(ctx, date, admin)
	if err != nil {
		t.Fatalf("clear day: %v", err)
	}
	if result.SalesRemoved != 1 || result.ItemsAffected != 1 {
		t.Fatalf("unexpected clear result: %+v", result)
	}

	item, err = s.GetItem(ctx, category, name)
	if err != nil {
		t.Fatalf("get item after clear: %v", err)
	}
	if item.CurrentStock != 100 || item.TotalSold != 0 {
		t.Fatalf("expected counters restored, got stock=%d sold=%d", item.CurrentStock, item.TotalSold)
	}
	if item.TotalRevenue != 0 || item.TotalProfit != 0 {
		t.Fatalf("expected revenue/profit restored, got %.2f/%.2f", item.TotalRevenue, item.TotalProfit)
	}

	if _, err := s.GetDailySummary(ctx, date); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected summary gone after clear, got %v", err)
	}
	raw, err := s.SalesRaw(ctx, date)
	if err != nil {
		t.Fatalf("sales raw after clear: %v", err)
	}
	if len(raw) != 0 {
		t.Fatalf("expected sale rows deleted, found %d", len(raw))
	}

	entries, err := s.StockHistory(ctx, domain.StockHistoryQuery{Category: category, Name: name})
	if err != nil {
		t.Fatalf("stock history: %v", err)
	}
	var saleEntries, adjustEntries int
	for _, entry := range entries {
		switch entry.ChangeType {
		case domain.ChangeSale:
			saleEntries++
			if entry.PreviousStock != 100 || entry.NewStock != 90 {
				t.Fatalf("sale entry should bracket 100->90, got %d->%d", entry.PreviousStock, entry.NewStock)
			}
		case domain.ChangeAdjust:
			adjustEntries++
			if entry.PreviousStock != 90 || entry.NewStock != 100 {
				t.Fatalf("adjust entry should bracket 90->100, got %d->%d", entry.PreviousStock, entry.NewStock)
			}
		}
	}
	if saleEntries != 1 || adjustEntries != 1 {
		t.Fatalf("expected the sale entry kept and one adjust appended, got %d/%d", saleEntries, adjustEntries)
	}
}
