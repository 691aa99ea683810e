package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

type itemKey struct {
	category string
	name     string
}

// Store is the in-memory ledger used for dev/demo mode and tests.
// A single RWMutex gives writer exclusivity across a whole cart and
// consistent snapshots to concurrent readers.
type Store struct {
	mu              sync.RWMutex
	items           map[itemKey]domain.Item
	salesByDate     map[string][]domain.Sale
	stockHistory    []domain.StockHistoryEntry
	summaries       map[string]domain.DailySummary
	dayItemQty      map[string]map[itemKey]int
	activityLogs    []domain.ActivityLogEntry
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo
// mode. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD. If unset, hardcoded dev defaults are used
// with a warning. These credentials are never used in production (the
// backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			CreatedAt:    now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store.
func New() *Store {
	return &Store{
		items:           make(map[itemKey]domain.Item),
		salesByDate:     make(map[string][]domain.Sale),
		stockHistory:    make([]domain.StockHistoryEntry, 0, 128),
		summaries:       make(map[string]domain.DailySummary),
		dayItemQty:      make(map[string]map[itemKey]int),
		activityLogs:    make([]domain.ActivityLogEntry, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small cafeteria catalog
// and the seed users.
func NewSeeded() *Store {
	s := New()
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	seed := []domain.Item{
		{Category: "Food", Name: "Rice", BuyingPrice: 45, SellingPrice: 70, CurrentStock: 120},
		{Category: "Food", Name: "Beans", BuyingPrice: 30, SellingPrice: 50, CurrentStock: 100},
		{Category: "Food", Name: "Ugali", BuyingPrice: 20, SellingPrice: 40, CurrentStock: 150},
		{Category: "Food", Name: "Chapati", BuyingPrice: 10, SellingPrice: 20, CurrentStock: 200},
		{Category: "Food", Name: "Beef Stew", BuyingPrice: 120, SellingPrice: 180, CurrentStock: 60},
		{Category: "Vegetables", Name: "Sukuma Wiki", BuyingPrice: 15, SellingPrice: 30, CurrentStock: 80},
		{Category: "Drinks", Name: "Chai", BuyingPrice: 12, SellingPrice: 25, CurrentStock: 140},
		{Category: "Drinks", Name: "Soda 300ml", BuyingPrice: 35, SellingPrice: 60, CurrentStock: 96},
		{Category: "Drinks", Name: "Water 500ml", BuyingPrice: 20, SellingPrice: 40, CurrentStock: 110},
		{Category: "Snacks", Name: "Mandazi", BuyingPrice: 8, SellingPrice: 15, CurrentStock: 180},
	}
	for _, it := range seed {
		it.IsActive = true
		it.CreatedAt = now
		it.UpdatedAt = now
		s.items[itemKey{it.Category, it.Name}] = it
		s.stockHistory = append(s.stockHistory, domain.StockHistoryEntry{
			ID:            xid.New("sh"),
			Category:      it.Category,
			ItemName:      it.Name,
			ChangeType:    domain.ChangeAdd,
			Quantity:      it.CurrentStock,
			PreviousStock: 0,
			NewStock:      it.CurrentStock,
			BuyingPrice:   it.BuyingPrice,
			SellingPrice:  it.SellingPrice,
			Actor:         "seed",
			Note:          "initial stock",
			CreatedAt:     now,
		})
	}
	return s
}

func (s *Store) CreateItem(_ context.Context, req domain.CreateItemRequest, actor domain.Actor) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateCreateItem(req); err != nil {
		return nil, err
	}
	key := itemKey{req.Category, req.Name}
	if _, exists := s.items[key]; exists {
		return nil, store.ErrDuplicateItem
	}

	now := time.Now().UTC()
	item := domain.Item{
		Category:     req.Category,
		Name:         req.Name,
		BuyingPrice:  req.BuyingPrice,
		SellingPrice: req.SellingPrice,
		CurrentStock: req.InitialStock,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.items[key] = item
	if err := s.appendHistoryLocked(domain.StockHistoryEntry{
		ID:            xid.New("sh"),
		Category:      item.Category,
		ItemName:      item.Name,
		ChangeType:    domain.ChangeAdd,
		Quantity:      req.InitialStock,
		PreviousStock: 0,
		NewStock:      req.InitialStock,
		BuyingPrice:   item.BuyingPrice,
		SellingPrice:  item.SellingPrice,
		Actor:         actor.Username,
		Note:          "item created",
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	s.appendActivityLocked(actor, "create_item", fmt.Sprintf("%s/%s stock=%d", item.Category, item.Name, req.InitialStock), now)

	created := item
	return &created, nil
}

func validateCreateItem(req domain.CreateItemRequest) error {
	switch {
	case req.Category == "":
		return &store.ValidationError{Field: "category", Reason: "must not be empty"}
	case req.Name == "":
		return &store.ValidationError{Field: "name", Reason: "must not be empty"}
	case req.BuyingPrice <= 0:
		return &store.ValidationError{Field: "buying_price", Reason: "must be positive"}
	case req.SellingPrice <= 0:
		return &store.ValidationError{Field: "selling_price", Reason: "must be positive"}
	case req.SellingPrice < req.BuyingPrice:
		return &store.ValidationError{Field: "selling_price", Reason: "must not be below buying price"}
	case req.InitialStock < 0:
		return &store.ValidationError{Field: "initial_stock", Reason: "must not be negative"}
	}
	return nil
}

func (s *Store) GetItem(_ context.Context, category string, name string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, exists := s.items[itemKey{category, name}]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyItem := item
	return &copyItem, nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, it := range s.items {
		if !it.IsActive {
			continue
		}
		items = append(items, it)
	}

	slices.SortFunc(items, func(a, b domain.Item) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return items, nil
}

func (s *Store) DeactivateItem(_ context.Context, category string, name string, actor domain.Actor) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey{category, name}
	item, exists := s.items[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !item.IsActive {
		return nil, store.ErrInactiveItem
	}

	now := time.Now().UTC()
	remaining := item.CurrentStock
	item.IsActive = false
	item.CurrentStock = 0
	item.UpdatedAt = now
	s.items[key] = item

	// Remaining stock is written off so the ledger accounts for it.
	if err := s.appendHistoryLocked(domain.StockHistoryEntry{
		ID:            xid.New("sh"),
		Category:      item.Category,
		ItemName:      item.Name,
		ChangeType:    domain.ChangeRemove,
		Quantity:      remaining,
		PreviousStock: remaining,
		NewStock:      0,
		BuyingPrice:   item.BuyingPrice,
		SellingPrice:  item.SellingPrice,
		Actor:         actor.Username,
		Note:          "item deactivated",
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	s.appendActivityLocked(actor, "deactivate_item", category+"/"+name, now)

	deactivated := item
	return &deactivated, nil
}

func (s *Store) AdjustStock(_ context.Context, req domain.AdjustStockRequest, actor domain.Actor) (*domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := itemKey{req.Category, req.Name}
	item, exists := s.items[key]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !item.IsActive {
		return nil, store.ErrInactiveItem
	}
	if req.Delta == 0 && req.BuyingPrice == nil && req.SellingPrice == nil {
		return nil, &store.ValidationError{Field: "delta", Reason: "nothing to change"}
	}
	if item.CurrentStock+req.Delta < 0 {
		return nil, &store.InsufficientStockError{
			Category:  req.Category,
			Name:      req.Name,
			Requested: -req.Delta,
			Available: item.CurrentStock,
		}
	}

	buying := item.BuyingPrice
	selling := item.SellingPrice
	if req.BuyingPrice != nil {
		buying = *req.BuyingPrice
	}
	if req.SellingPrice != nil {
		selling = *req.SellingPrice
	}
	if buying <= 0 || selling <= 0 {
		return nil, &store.ValidationError{Field: "price", Reason: "must be positive"}
	}
	if selling < buying {
		return nil, &store.ValidationError{Field: "selling_price", Reason: "must not be below buying price"}
	}

	now := time.Now().UTC()
	previous := item.CurrentStock
	item.CurrentStock += req.Delta
	item.BuyingPrice = buying
	item.SellingPrice = selling
	item.UpdatedAt = now
	s.items[key] = item

	changeType, qty, note := store.ClassifyAdjustment(req)
	if err := s.appendHistoryLocked(domain.StockHistoryEntry{
		ID:            xid.New("sh"),
		Category:      item.Category,
		ItemName:      item.Name,
		ChangeType:    changeType,
		Quantity:      qty,
		PreviousStock: previous,
		NewStock:      item.CurrentStock,
		BuyingPrice:   buying,
		SellingPrice:  selling,
		Actor:         actor.Username,
		Note:          note,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}
	s.appendActivityLocked(actor, "adjust_stock", fmt.Sprintf("%s/%s delta=%d", item.Category, item.Name, req.Delta), now)

	adjusted := item
	return &adjusted, nil
}

func (s *Store) LowStockItems(_ context.Context, threshold int) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0)
	for _, it := range s.items {
		if !it.IsActive || it.CurrentStock > threshold {
			continue
		}
		items = append(items, it)
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		if a.CurrentStock != b.CurrentStock {
			return a.CurrentStock - b.CurrentStock
		}
		return cmpString(a.Name, b.Name)
	})
	return items, nil
}

func (s *Store) TopSellingItems(_ context.Context, limit int, windowDays int, asOf time.Time) ([]domain.TopSellingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 10
	}
	cutoff := ""
	if windowDays > 0 {
		cutoff = asOf.UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")
	}

	totals := make(map[itemKey]*domain.TopSellingRow)
	for date, sales := range s.salesByDate {
		if cutoff != "" && date < cutoff {
			continue
		}
		for _, sale := range sales {
			key := itemKey{sale.Category, sale.ItemName}
			row, ok := totals[key]
			if !ok {
				row = &domain.TopSellingRow{Category: sale.Category, ItemName: sale.ItemName}
				totals[key] = row
			}
			row.Quantity += sale.Quantity
			row.Revenue += sale.Amount
		}
	}

	rows := make([]domain.TopSellingRow, 0, len(totals))
	for _, row := range totals {
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b domain.TopSellingRow) int {
		if a.Quantity != b.Quantity {
			return b.Quantity - a.Quantity
		}
		return cmpString(a.ItemName, b.ItemName)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

// CommitSale validates every cart line before mutating anything, then
// applies the whole cart under one lock: stock decrement, item totals,
// sale rows, stock history, daily summary and the activity entry.
func (s *Store) CommitSale(_ context.Context, commit store.SaleCommit) ([]domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(commit.Lines) == 0 {
		return nil, &store.ValidationError{Field: "lines", Reason: "cart is empty"}
	}
	if !domain.ValidPaymentMethod(commit.Ctx.PaymentMethod) {
		return nil, &store.ValidationError{Field: "payment_method", Reason: "unknown method"}
	}
	if commit.Ctx.Date == "" {
		return nil, &store.ValidationError{Field: "date", Reason: "must not be empty"}
	}

	// Validation pass. No state changes until every line is cleared.
	for _, line := range commit.Lines {
		if line.Quantity < 1 {
			return nil, &store.ValidationError{Field: "quantity", Reason: "must be at least 1"}
		}
		item, exists := s.items[itemKey{line.Category, line.Name}]
		if !exists {
			return nil, fmt.Errorf("item %s/%s: %w", line.Category, line.Name, store.ErrNotFound)
		}
		if !item.IsActive {
			return nil, fmt.Errorf("item %s/%s: %w", line.Category, line.Name, store.ErrInactiveItem)
		}
		if item.CurrentStock < line.Quantity {
			return nil, &store.InsufficientStockError{
				Category:  line.Category,
				Name:      line.Name,
				Requested: line.Quantity,
				Available: item.CurrentStock,
			}
		}
	}

	now := time.Now().UTC()
	sales := make([]domain.Sale, 0, len(commit.Lines))
	for _, line := range commit.Lines {
		key := itemKey{line.Category, line.Name}
		item := s.items[key]

		// Prices come from the catalog at commit time, never from
		// the caller.
		amount := float64(line.Quantity) * item.SellingPrice
		profit := float64(line.Quantity) * (item.SellingPrice - item.BuyingPrice)

		previous := item.CurrentStock
		item.CurrentStock -= line.Quantity
		item.TotalSold += line.Quantity
		item.TotalRevenue += amount
		item.TotalProfit += profit
		item.UpdatedAt = now
		s.items[key] = item

		sale := domain.Sale{
			ID:             xid.New("sale"),
			Category:       item.Category,
			ItemName:       item.Name,
			Quantity:       line.Quantity,
			UnitPrice:      item.SellingPrice,
			Amount:         amount,
			Profit:         profit,
			PaymentMethod:  commit.Ctx.PaymentMethod,
			PaymentDetails: commit.Ctx.PaymentDetails,
			CustomerName:   commit.Ctx.CustomerName,
			SoldBy:         commit.Ctx.SoldBy,
			Date:           commit.Ctx.Date,
			Time:           commit.Ctx.Time,
			CreatedAt:      now,
		}
		sales = append(sales, sale)
		s.salesByDate[commit.Ctx.Date] = append(s.salesByDate[commit.Ctx.Date], sale)

		if err := s.appendHistoryLocked(domain.StockHistoryEntry{
			ID:            xid.New("sh"),
			Category:      item.Category,
			ItemName:      item.Name,
			ChangeType:    domain.ChangeSale,
			Quantity:      line.Quantity,
			PreviousStock: previous,
			NewStock:      item.CurrentStock,
			BuyingPrice:   item.BuyingPrice,
			SellingPrice:  item.SellingPrice,
			Actor:         commit.Ctx.SoldBy,
			Note:          "sale " + sale.ID,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}

		s.foldIntoSummaryLocked(commit.Ctx.Date, sale, key)
	}

	s.appendActivityLocked(commit.Actor, "record_sale",
		fmt.Sprintf("%d line(s) on %s via %s", len(sales), commit.Ctx.Date, commit.Ctx.PaymentMethod), now)

	return sales, nil
}

// foldIntoSummaryLocked updates the date's rolling summary with one
// sale line, including the running most-sold counter.
func (s *Store) foldIntoSummaryLocked(date string, sale domain.Sale, key itemKey) {
	summary := s.summaries[date]
	summary.Date = date
	summary.TotalSales += sale.Amount
	summary.ItemsSold += sale.Quantity
	summary.TotalProfit += sale.Profit

	switch sale.PaymentMethod {
	case domain.PaymentCash:
		summary.CashSales += sale.Amount
	case domain.PaymentMpesa:
		summary.MpesaSales += sale.Amount
	case domain.PaymentCard:
		summary.CardSales += sale.Amount
	case domain.PaymentOther:
		summary.OtherSales += sale.Amount
	}

	counts := s.dayItemQty[date]
	if counts == nil {
		counts = make(map[itemKey]int)
		s.dayItemQty[date] = counts
	}
	counts[key] += sale.Quantity

	leader := itemKey{summary.MostSoldCategory, summary.MostSoldItem}
	if summary.MostSoldItem == "" || counts[key] > counts[leader] {
		summary.MostSoldItem = key.name
		summary.MostSoldCategory = key.category
	}

	if summary.TotalSales > 0 {
		summary.AvgProfitMargin = summary.TotalProfit / summary.TotalSales * 100
	} else {
		summary.AvgProfitMargin = 0
	}
	s.summaries[date] = summary
}

// ClearDay reverses every sale recorded for the date: item counters
// are restored with one aggregated delta per item, the day's sale rows
// and summary are removed, and one compensating adjust entry per item
// is appended to the stock history. The original sale entries stay.
func (s *Store) ClearDay(_ context.Context, date string, actor domain.Actor) (*store.ClearDayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	sales := s.salesByDate[date]
	if len(sales) == 0 {
		s.appendActivityLocked(actor, "clear_day", date+" (no sales)", now)
		return &store.ClearDayResult{}, nil
	}

	type delta struct {
		qty     int
		revenue float64
		profit  float64
	}
	deltas := make(map[itemKey]delta)
	for _, sale := range sales {
		key := itemKey{sale.Category, sale.ItemName}
		d := deltas[key]
		d.qty += sale.Quantity
		d.revenue += sale.Amount
		d.profit += sale.Profit
		deltas[key] = d
	}

	keys := make([]itemKey, 0, len(deltas))
	for key := range deltas {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b itemKey) int {
		if a.category == b.category {
			return cmpString(a.name, b.name)
		}
		return cmpString(a.category, b.category)
	})

	restored := 0
	for _, key := range keys {
		d := deltas[key]
		item, exists := s.items[key]
		if !exists {
			// Item gone from the catalog; there is no stock to restore
			// and no trustworthy prices for a compensating entry.
			log.Printf("[memory-store] clear_day %s: item %s/%s missing, skipping restore", date, key.category, key.name)
			continue
		}
		previous := item.CurrentStock
		item.CurrentStock += d.qty
		item.TotalSold -= d.qty
		item.TotalRevenue -= d.revenue
		item.TotalProfit -= d.profit
		item.UpdatedAt = now
		s.items[key] = item
		restored++

		if err := s.appendHistoryLocked(domain.StockHistoryEntry{
			ID:            xid.New("sh"),
			Category:      key.category,
			ItemName:      key.name,
			ChangeType:    domain.ChangeAdjust,
			Quantity:      d.qty,
			PreviousStock: previous,
			NewStock:      item.CurrentStock,
			BuyingPrice:   item.BuyingPrice,
			SellingPrice:  item.SellingPrice,
			Actor:         actor.Username,
			Note:          "day cleared " + date,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
	}

	delete(s.salesByDate, date)
	delete(s.summaries, date)
	delete(s.dayItemQty, date)

	s.appendActivityLocked(actor, "clear_day",
		fmt.Sprintf("%s: %d sale(s) across %d item(s)", date, len(sales), restored), now)

	return &store.ClearDayResult{SalesRemoved: len(sales), ItemsAffected: restored}, nil
}

func (s *Store) SalesByDate(_ context.Context, date string) ([]domain.DailySalesRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type rowKey struct {
		category string
		name     string
		method   string
	}
	grouped := make(map[rowKey]*domain.DailySalesRow)
	for _, sale := range s.salesByDate[date] {
		key := rowKey{sale.Category, sale.ItemName, sale.PaymentMethod}
		row, ok := grouped[key]
		if !ok {
			row = &domain.DailySalesRow{
				Category:      sale.Category,
				ItemName:      sale.ItemName,
				UnitPrice:     sale.UnitPrice,
				PaymentMethod: sale.PaymentMethod,
			}
			grouped[key] = row
		}
		row.Quantity += sale.Quantity
		row.TotalAmount += sale.Amount
		row.TotalProfit += sale.Profit
	}

	rows := make([]domain.DailySalesRow, 0, len(grouped))
	for _, row := range grouped {
		if row.TotalAmount > 0 {
			row.ProfitMargin = row.TotalProfit / row.TotalAmount * 100
		}
		rows = append(rows, *row)
	}
	slices.SortFunc(rows, func(a, b domain.DailySalesRow) int {
		if a.TotalAmount != b.TotalAmount {
			if a.TotalAmount > b.TotalAmount {
				return -1
			}
			return 1
		}
		if a.ItemName != b.ItemName {
			return cmpString(a.ItemName, b.ItemName)
		}
		return cmpString(a.PaymentMethod, b.PaymentMethod)
	})
	return rows, nil
}

func (s *Store) SalesRaw(_ context.Context, date string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := s.salesByDate[date]
	out := make([]domain.Sale, len(sales))
	copy(out, sales)
	return out, nil
}

func (s *Store) GetDailySummary(_ context.Context, date string) (*domain.DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary, exists := s.summaries[date]
	if !exists {
		return nil, store.ErrNotFound
	}
	copySummary := summary
	return &copySummary, nil
}

func (s *Store) StockHistory(_ context.Context, query domain.StockHistoryQuery) ([]domain.StockHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := query.Limit
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	out := make([]domain.StockHistoryEntry, 0, limit)
	for i := len(s.stockHistory) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.stockHistory[i]
		if query.Category != "" && !strings.EqualFold(entry.Category, query.Category) {
			continue
		}
		if query.Name != "" && !strings.EqualFold(entry.ItemName, query.Name) {
			continue
		}
		day := entry.CreatedAt.Format("2006-01-02")
		if query.FromDate != "" && day < query.FromDate {
			continue
		}
		if query.ToDate != "" && day > query.ToDate {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) AppendActivity(_ context.Context, entry domain.ActivityLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.activityLogs = append(s.activityLogs, entry)
	return nil
}

func (s *Store) ListActivity(_ context.Context, limit int) ([]domain.ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	out := make([]domain.ActivityLogEntry, 0, limit)
	for i := len(s.activityLogs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.activityLogs[i])
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.PasswordHash == "" {
		return &store.ValidationError{Field: "username", Reason: "username and password required"}
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrDuplicateItem
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.PasswordHash = passwordHash
	s.usersByUsername[username] = user
	return nil
}

// appendHistoryLocked validates a ledger row before it becomes part of
// the append-only history. Callers hold the write lock.
func (s *Store) appendHistoryLocked(entry domain.StockHistoryEntry) error {
	if err := store.ValidateStockEntry(entry); err != nil {
		return err
	}
	s.stockHistory = append(s.stockHistory, entry)
	return nil
}

func (s *Store) appendActivityLocked(actor domain.Actor, action string, detail string, at time.Time) {
	s.activityLogs = append(s.activityLogs, domain.ActivityLogEntry{
		ID:        xid.New("act"),
		Username:  actor.Username,
		Role:      actor.Role,
		Action:    action,
		Detail:    detail,
		CreatedAt: at,
	})
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
