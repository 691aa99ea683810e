package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// Store is the PostgreSQL ledger. Every multi-row write runs inside a
// serializable transaction with FOR UPDATE row locks on the items it
// touches, so a cart or a day reversal commits wholesale or not at all.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateItem(ctx context.Context, req domain.CreateItemRequest, actor domain.Actor) (*domain.Item, error) {
	switch {
	case req.Category == "":
		return nil, &store.ValidationError{Field: "category", Reason: "must not be empty"}
	case req.Name == "":
		return nil, &store.ValidationError{Field: "name", Reason: "must not be empty"}
	case req.BuyingPrice <= 0:
		return nil, &store.ValidationError{Field: "buying_price", Reason: "must be positive"}
	case req.SellingPrice <= 0:
		return nil, &store.ValidationError{Field: "selling_price", Reason: "must be positive"}
	case req.SellingPrice < req.BuyingPrice:
		return nil, &store.ValidationError{Field: "selling_price", Reason: "must not be below buying price"}
	case req.InitialStock < 0:
		return nil, &store.ValidationError{Field: "initial_stock", Reason: "must not be negative"}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, persistErr("CreateItem", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO items (category, name, buying_price, selling_price, current_stock,
			total_sold, total_revenue, total_profit, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,0,0,true,$6,$6)
	`, req.Category, req.Name, req.BuyingPrice, req.SellingPrice, req.InitialStock, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateItem
		}
		return nil, persistErr("CreateItem", err)
	}

	if err := insertStockHistory(ctx, pgTx, domain.StockHistoryEntry{
		Category:      req.Category,
		ItemName:      req.Name,
		ChangeType:    domain.ChangeAdd,
		Quantity:      req.InitialStock,
		PreviousStock: 0,
		NewStock:      req.InitialStock,
		BuyingPrice:   req.BuyingPrice,
		SellingPrice:  req.SellingPrice,
		Actor:         actor.Username,
		Note:          "item created",
		CreatedAt:     now,
	}); err != nil {
		return nil, persistErr("CreateItem", err)
	}
	if err := insertActivity(ctx, pgTx, actor, "create_item",
		fmt.Sprintf("%s/%s stock=%d", req.Category, req.Name, req.InitialStock), now); err != nil {
		return nil, persistErr("CreateItem", err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, persistErr("CreateItem", err)
	}

	return &domain.Item{
		Category:     req.Category,
		Name:         req.Name,
		BuyingPrice:  req.BuyingPrice,
		SellingPrice: req.SellingPrice,
		CurrentStock: req.InitialStock,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Store) GetItem(ctx context.Context, category string, name string) (*domain.Item, error) {
	var item domain.Item
	err := s.db.QueryRowContext(ctx, `
		SELECT category, name, buying_price, selling_price, current_stock,
			total_sold, total_revenue, total_profit, is_active, created_at, updated_at
		FROM items
		WHERE category = $1 AND name = $2
	`, category, name).Scan(&item.Category, &item.Name, &item.BuyingPrice, &item.SellingPrice,
		&item.CurrentStock, &item.TotalSold, &item.TotalRevenue, &item.TotalProfit,
		&item.IsActive, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, persistErr("GetItem", err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, name, buying_price, selling_price, current_stock,
			total_sold, total_revenue, total_profit, is_active, created_at, updated_at
		FROM items
		WHERE is_active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, persistErr("ListItems", err)
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 64)
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.Category, &item.Name, &item.BuyingPrice, &item.SellingPrice,
			&item.CurrentStock, &item.TotalSold, &item.TotalRevenue, &item.TotalProfit,
			&item.IsActive, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, persistErr("ListItems", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("ListItems", err)
	}
	return items, nil
}

func (s *Store) DeactivateItem(ctx context.Context, category string, name string, actor domain.Actor) (*domain.Item, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, persistErr("DeactivateItem", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var item domain.Item
	err = pgTx.QueryRowContext(ctx, `
		SELECT category, name, buying_price, selling_price, current_stock,
			total_sold, total_revenue, total_profit, is_active, created_at, updated_at
		FROM items
		WHERE category = $1 AND name = $2
		FOR UPDATE
	`, category, name).Scan(&item.Category, &item.Name, &item.BuyingPrice, &item.SellingPrice,
		&item.CurrentStock, &item.TotalSold, &item.TotalRevenue, &item.TotalProfit,
		&item.IsActive, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, persistErr("DeactivateItem", err)
	}
	if !item.IsActive {
		return nil, store.ErrInactiveItem
	}

	now := time.Now().UTC()
	_, err = pgTx.ExecContext(ctx, `
		UPDATE items
		SET is_active = false, current_stock = 0, updated_at = $3
		WHERE category = $1 AND name = $2
	`, category, name, now)
	if err != nil {
		return nil, persistErr("DeactivateItem", err)
	}

	// Remaining stock is written off so the ledger accounts for it.
	if err := insertStockHistory(ctx, pgTx, domain.StockHistoryEntry{
		Category:      item.Category,
		ItemName:      item.Name,
		ChangeType:    domain.ChangeRemove,
		Quantity:      item.CurrentStock,
		PreviousStock: item.CurrentStock,
		NewStock:      0,
		BuyingPrice:   item.BuyingPrice,
		SellingPrice:  item.SellingPrice,
		Actor:         actor.Username,
		Note:          "item deactivated",
		CreatedAt:     now,
	}); err != nil {
		return nil, persistErr("DeactivateItem", err)
	}
	if err := insertActivity(ctx, pgTx, actor, "deactivate_item", category+"/"+name, now); err != nil {
		return nil, persistErr("DeactivateItem", err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, persistErr("DeactivateItem", err)
	}

	item.IsActive = false
	item.CurrentStock = 0
	item.UpdatedAt = now
	return &item, nil
}

func (s *Store) AdjustStock(ctx context.Context, req domain.AdjustStockRequest, actor domain.Actor) (*domain.Item, error) {
	if req.Delta == 0 && req.BuyingPrice == nil && req.SellingPrice == nil {
		return nil, &store.ValidationError{Field: "delta", Reason: "nothing to change"}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, persistErr("AdjustStock", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	var item domain.Item
	err = pgTx.QueryRowContext(ctx, `
		SELECT category, name, buying_price, selling_price, current_stock,
			total_sold, total_revenue, total_profit, is_active, created_at, updated_at
		FROM items
		WHERE category = $1 AND name = $2
		FOR UPDATE
	`, req.Category, req.Name).Scan(&item.Category, &item.Name, &item.BuyingPrice, &item.SellingPrice,
		&item.CurrentStock, &item.TotalSold, &item.TotalRevenue, &item.TotalProfit,
		&item.IsActive, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, persistErr("AdjustStock", err)
	}
	if !item.IsActive {
		return nil, store.ErrInactiveItem
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
	_, err = pgTx.ExecContext(ctx, `
		UPDATE items
		SET current_stock = current_stock + $3, buying_price = $4, selling_price = $5, updated_at = $6
		WHERE category = $1 AND name = $2
	`, req.Category, req.Name, req.Delta, buying, selling, now)
	if err != nil {
		return nil, persistErr("AdjustStock", err)
	}

	changeType, qty, note := store.ClassifyAdjustment(req)
	if err := insertStockHistory(ctx, pgTx, domain.StockHistoryEntry{
		Category:      req.Category,
		ItemName:      req.Name,
		ChangeType:    changeType,
		Quantity:      qty,
		PreviousStock: item.CurrentStock,
		NewStock:      item.CurrentStock + req.Delta,
		BuyingPrice:   buying,
		SellingPrice:  selling,
		Actor:         actor.Username,
		Note:          note,
		CreatedAt:     now,
	}); err != nil {
		return nil, persistErr("AdjustStock", err)
	}
	if err := insertActivity(ctx, pgTx, actor, "adjust_stock",
		fmt.Sprintf("%s/%s delta=%d", req.Category, req.Name, req.Delta), now); err != nil {
		return nil, persistErr("AdjustStock", err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, persistErr("AdjustStock", err)
	}

	item.CurrentStock += req.Delta
	item.BuyingPrice = buying
	item.SellingPrice = selling
	item.UpdatedAt = now
	return &item, nil
}

func (s *Store) LowStockItems(ctx context.Context, threshold int) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, name, buying_price, selling_price, current_stock,
			total_sold, total_revenue, total_profit, is_active, created_at, updated_at
		FROM items
		WHERE is_active = true AND current_stock <= $1
		ORDER BY current_stock ASC, name ASC
	`, threshold)
	if err != nil {
		return nil, persistErr("LowStockItems", err)
	}
	defer rows.Close()

	items := make([]domain.Item, 0, 16)
	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.Category, &item.Name, &item.BuyingPrice, &item.SellingPrice,
			&item.CurrentStock, &item.TotalSold, &item.TotalRevenue, &item.TotalProfit,
			&item.IsActive, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, persistErr("LowStockItems", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("LowStockItems", err)
	}
	return items, nil
}

func (s *Store) TopSellingItems(ctx context.Context, limit int, windowDays int, asOf time.Time) ([]domain.TopSellingRow, error) {
	if limit < 1 {
		limit = 10
	}
	cutoff := ""
	if windowDays > 0 {
		cutoff = asOf.UTC().AddDate(0, 0, -windowDays).Format("2006-01-02")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, item_name, SUM(quantity) AS qty, SUM(amount) AS revenue
		FROM sales
		WHERE ($1 = '' OR date >= $1)
		GROUP BY category, item_name
		ORDER BY qty DESC, item_name ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, persistErr("TopSellingItems", err)
	}
	defer rows.Close()

	out := make([]domain.TopSellingRow, 0, limit)
	for rows.Next() {
		var row domain.TopSellingRow
		if err := rows.Scan(&row.Category, &row.ItemName, &row.Quantity, &row.Revenue); err != nil {
			return nil, persistErr("TopSellingItems", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("TopSellingItems", err)
	}
	return out, nil
}

// CommitSale applies a whole cart in one serializable transaction.
// Item rows are locked up front and every line is validated before the
// first write. Prices come from the locked item rows, never from the
// caller.
func (s *Store) CommitSale(ctx context.Context, commit store.SaleCommit) ([]domain.Sale, error) {
	if len(commit.Lines) == 0 {
		return nil, &store.ValidationError{Field: "lines", Reason: "cart is empty"}
	}
	if !domain.ValidPaymentMethod(commit.Ctx.PaymentMethod) {
		return nil, &store.ValidationError{Field: "payment_method", Reason: "unknown method"}
	}
	if commit.Ctx.Date == "" {
		return nil, &store.ValidationError{Field: "date", Reason: "must not be empty"}
	}
	for _, line := range commit.Lines {
		if line.Quantity < 1 {
			return nil, &store.ValidationError{Field: "quantity", Reason: "must be at least 1"}
		}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, persistErr("CommitSale", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	// Lock and validate every line before mutating anything.
	type lockedItem struct {
		buying  float64
		selling float64
		stock   int
	}
	locked := make(map[[2]string]lockedItem, len(commit.Lines))
	for _, line := range commit.Lines {
		key := [2]string{line.Category, line.Name}
		if _, seen := locked[key]; seen {
			continue
		}
		var li lockedItem
		var active bool
		err := pgTx.QueryRowContext(ctx, `
			SELECT buying_price, selling_price, current_stock, is_active
			FROM items
			WHERE category = $1 AND name = $2
			FOR UPDATE
		`, line.Category, line.Name).Scan(&li.buying, &li.selling, &li.stock, &active)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("item %s/%s: %w", line.Category, line.Name, store.ErrNotFound)
			}
			return nil, persistErr("CommitSale", err)
		}
		if !active {
			return nil, fmt.Errorf("item %s/%s: %w", line.Category, line.Name, store.ErrInactiveItem)
		}
		locked[key] = li
	}
	needed := make(map[[2]string]int, len(locked))
	for _, line := range commit.Lines {
		needed[[2]string{line.Category, line.Name}] += line.Quantity
	}
	for key, qty := range needed {
		if locked[key].stock < qty {
			return nil, &store.InsufficientStockError{
				Category:  key[0],
				Name:      key[1],
				Requested: qty,
				Available: locked[key].stock,
			}
		}
	}

	summary, err := lockSummary(ctx, pgTx, commit.Ctx.Date)
	if err != nil {
		return nil, persistErr("CommitSale", err)
	}
	leaderQty, err := dayItemQty(ctx, pgTx, commit.Ctx.Date, summary.MostSoldCategory, summary.MostSoldItem)
	if err != nil {
		return nil, persistErr("CommitSale", err)
	}

	now := time.Now().UTC()
	sales := make([]domain.Sale, 0, len(commit.Lines))
	for _, line := range commit.Lines {
		key := [2]string{line.Category, line.Name}
		li := locked[key]

		amount := float64(line.Quantity) * li.selling
		profit := float64(line.Quantity) * (li.selling - li.buying)

		// Running stock per item; the same item may appear on more
		// than one cart line.
		previous := li.stock
		li.stock -= line.Quantity
		locked[key] = li

		_, err = pgTx.ExecContext(ctx, `
			UPDATE items
			SET current_stock = current_stock - $3,
				total_sold = total_sold + $3,
				total_revenue = total_revenue + $4,
				total_profit = total_profit + $5,
				updated_at = $6
			WHERE category = $1 AND name = $2
		`, line.Category, line.Name, line.Quantity, amount, profit, now)
		if err != nil {
			return nil, persistErr("CommitSale", err)
		}

		sale := domain.Sale{
			ID:             xid.New("sale"),
			Category:       line.Category,
			ItemName:       line.Name,
			Quantity:       line.Quantity,
			UnitPrice:      li.selling,
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
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO sales (id, category, item_name, quantity, unit_price, amount, profit,
				payment_method, payment_details, customer_name, sold_by, date, time, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`, sale.ID, sale.Category, sale.ItemName, sale.Quantity, sale.UnitPrice, sale.Amount, sale.Profit,
			sale.PaymentMethod, nullIfEmpty(sale.PaymentDetails), nullIfEmpty(sale.CustomerName),
			sale.SoldBy, sale.Date, sale.Time, sale.CreatedAt)
		if err != nil {
			return nil, persistErr("CommitSale", err)
		}
		sales = append(sales, sale)

		if err := insertStockHistory(ctx, pgTx, domain.StockHistoryEntry{
			Category:      line.Category,
			ItemName:      line.Name,
			ChangeType:    domain.ChangeSale,
			Quantity:      line.Quantity,
			PreviousStock: previous,
			NewStock:      li.stock,
			BuyingPrice:   li.buying,
			SellingPrice:  li.selling,
			Actor:         commit.Ctx.SoldBy,
			Note:          "sale " + sale.ID,
			CreatedAt:     now,
		}); err != nil {
			return nil, persistErr("CommitSale", err)
		}

		var newQty int
		err = pgTx.QueryRowContext(ctx, `
			INSERT INTO daily_item_counts (date, category, item_name, quantity)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (date, category, item_name)
			DO UPDATE SET quantity = daily_item_counts.quantity + EXCLUDED.quantity
			RETURNING quantity
		`, sale.Date, line.Category, line.Name, line.Quantity).Scan(&newQty)
		if err != nil {
			return nil, persistErr("CommitSale", err)
		}

		summary.TotalSales += amount
		summary.ItemsSold += line.Quantity
		summary.TotalProfit += profit
		switch sale.PaymentMethod {
		case domain.PaymentCash:
			summary.CashSales += amount
		case domain.PaymentMpesa:
			summary.MpesaSales += amount
		case domain.PaymentCard:
			summary.CardSales += amount
		case domain.PaymentOther:
			summary.OtherSales += amount
		}
		if summary.MostSoldItem == "" || newQty > leaderQty {
			summary.MostSoldItem = line.Name
			summary.MostSoldCategory = line.Category
			leaderQty = newQty
		}
	}

	if summary.TotalSales > 0 {
		summary.AvgProfitMargin = summary.TotalProfit / summary.TotalSales * 100
	}
	if err := upsertSummary(ctx, pgTx, commit.Ctx.Date, summary); err != nil {
		return nil, persistErr("CommitSale", err)
	}
	if err := insertActivity(ctx, pgTx, commit.Actor, "record_sale",
		fmt.Sprintf("%d line(s) on %s via %s", len(sales), commit.Ctx.Date, commit.Ctx.PaymentMethod), now); err != nil {
		return nil, persistErr("CommitSale", err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, persistErr("CommitSale", err)
	}
	return sales, nil
}

// ClearDay reverses everything recorded for the date in one
// transaction: item counters restored with one aggregated update per
// item, sale rows and the summary removed, one compensating adjust
// history entry per item appended. The sale history entries stay.
func (s *Store) ClearDay(ctx context.Context, date string, actor domain.Actor) (*store.ClearDayResult, error) {
	if date == "" {
		return nil, &store.ValidationError{Field: "date", Reason: "must not be empty"}
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, persistErr("ClearDay", err)
	}
	defer func() { _ = pgTx.Rollback() }()

	rows, err := pgTx.QueryContext(ctx, `
		SELECT category, item_name, COUNT(*), SUM(quantity), SUM(amount), SUM(profit)
		FROM sales
		WHERE date = $1
		GROUP BY category, item_name
		ORDER BY category, item_name
	`, date)
	if err != nil {
		return nil, persistErr("ClearDay", err)
	}
	type itemDelta struct {
		category string
		name     string
		count    int
		qty      int
		revenue  float64
		profit   float64
	}
	deltas := make([]itemDelta, 0, 16)
	for rows.Next() {
		var d itemDelta
		if err := rows.Scan(&d.category, &d.name, &d.count, &d.qty, &d.revenue, &d.profit); err != nil {
			_ = rows.Close()
			return nil, persistErr("ClearDay", err)
		}
		deltas = append(deltas, d)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, persistErr("ClearDay", err)
	}
	_ = rows.Close()

	now := time.Now().UTC()
	if len(deltas) == 0 {
		if err := insertActivity(ctx, pgTx, actor, "clear_day", date+" (no sales)", now); err != nil {
			return nil, persistErr("ClearDay", err)
		}
		if err := pgTx.Commit(); err != nil {
			return nil, persistErr("ClearDay", err)
		}
		return &store.ClearDayResult{}, nil
	}

	salesRemoved := 0
	restored := 0
	for _, d := range deltas {
		salesRemoved += d.count

		var buying, selling float64
		var newStock int
		err = pgTx.QueryRowContext(ctx, `
			UPDATE items
			SET current_stock = current_stock + $3,
				total_sold = total_sold - $4,
				total_revenue = total_revenue - $5,
				total_profit = total_profit - $6,
				updated_at = $7
			WHERE category = $1 AND name = $2
			RETURNING buying_price, selling_price, current_stock
		`, d.category, d.name, d.qty, d.qty, d.revenue, d.profit, now).Scan(&buying, &selling, &newStock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Item gone from the catalog; there is no stock to
				// restore and no trustworthy prices for a
				// compensating entry.
				continue
			}
			return nil, persistErr("ClearDay", err)
		}
		restored++

		if err := insertStockHistory(ctx, pgTx, domain.StockHistoryEntry{
			Category:      d.category,
			ItemName:      d.name,
			ChangeType:    domain.ChangeAdjust,
			Quantity:      d.qty,
			PreviousStock: newStock - d.qty,
			NewStock:      newStock,
			BuyingPrice:   buying,
			SellingPrice:  selling,
			Actor:         actor.Username,
			Note:          "day cleared " + date,
			CreatedAt:     now,
		}); err != nil {
			return nil, persistErr("ClearDay", err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE date = $1`, date); err != nil {
		return nil, persistErr("ClearDay", err)
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM daily_summaries WHERE date = $1`, date); err != nil {
		return nil, persistErr("ClearDay", err)
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM daily_item_counts WHERE date = $1`, date); err != nil {
		return nil, persistErr("ClearDay", err)
	}
	if err := insertActivity(ctx, pgTx, actor, "clear_day",
		fmt.Sprintf("%s: %d sale(s) across %d item(s)", date, salesRemoved, restored), now); err != nil {
		return nil, persistErr("ClearDay", err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, persistErr("ClearDay", err)
	}
	return &store.ClearDayResult{SalesRemoved: salesRemoved, ItemsAffected: restored}, nil
}

func (s *Store) SalesByDate(ctx context.Context, date string) ([]domain.DailySalesRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, item_name, payment_method, SUM(quantity), MAX(unit_price),
			SUM(amount), SUM(profit)
		FROM sales
		WHERE date = $1
		GROUP BY category, item_name, payment_method
		ORDER BY SUM(amount) DESC, item_name ASC, payment_method ASC
	`, date)
	if err != nil {
		return nil, persistErr("SalesByDate", err)
	}
	defer rows.Close()

	out := make([]domain.DailySalesRow, 0, 32)
	for rows.Next() {
		var row domain.DailySalesRow
		if err := rows.Scan(&row.Category, &row.ItemName, &row.PaymentMethod, &row.Quantity,
			&row.UnitPrice, &row.TotalAmount, &row.TotalProfit); err != nil {
			return nil, persistErr("SalesByDate", err)
		}
		if row.TotalAmount > 0 {
			row.ProfitMargin = row.TotalProfit / row.TotalAmount * 100
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("SalesByDate", err)
	}
	return out, nil
}

func (s *Store) SalesRaw(ctx context.Context, date string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, item_name, quantity, unit_price, amount, profit,
			payment_method, COALESCE(payment_details, ''), COALESCE(customer_name, ''),
			sold_by, date, time, created_at
		FROM sales
		WHERE date = $1
		ORDER BY created_at ASC, id ASC
	`, date)
	if err != nil {
		return nil, persistErr("SalesRaw", err)
	}
	defer rows.Close()

	out := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.Category, &sale.ItemName, &sale.Quantity,
			&sale.UnitPrice, &sale.Amount, &sale.Profit, &sale.PaymentMethod,
			&sale.PaymentDetails, &sale.CustomerName, &sale.SoldBy,
			&sale.Date, &sale.Time, &sale.CreatedAt); err != nil {
			return nil, persistErr("SalesRaw", err)
		}
		out = append(out, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("SalesRaw", err)
	}
	return out, nil
}

func (s *Store) GetDailySummary(ctx context.Context, date string) (*domain.DailySummary, error) {
	var summary domain.DailySummary
	err := s.db.QueryRowContext(ctx, `
		SELECT date, total_sales, cash_sales, mpesa_sales, card_sales, other_sales,
			items_sold, total_profit, COALESCE(most_sold_item, ''),
			COALESCE(most_sold_category, ''), avg_profit_margin
		FROM daily_summaries
		WHERE date = $1
	`, date).Scan(&summary.Date, &summary.TotalSales, &summary.CashSales, &summary.MpesaSales,
		&summary.CardSales, &summary.OtherSales, &summary.ItemsSold, &summary.TotalProfit,
		&summary.MostSoldItem, &summary.MostSoldCategory, &summary.AvgProfitMargin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, persistErr("GetDailySummary", err)
	}
	return &summary, nil
}

func (s *Store) StockHistory(ctx context.Context, query domain.StockHistoryQuery) ([]domain.StockHistoryEntry, error) {
	limit := query.Limit
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, item_name, change_type, quantity, previous_stock, new_stock,
			buying_price, selling_price, actor, COALESCE(note, ''), created_at
		FROM stock_history
		WHERE ($1 = '' OR lower(category) = lower($1))
			AND ($2 = '' OR lower(item_name) = lower($2))
			AND ($3 = '' OR created_at::date >= $3::date)
			AND ($4 = '' OR created_at::date <= $4::date)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, query.Category, query.Name, query.FromDate, query.ToDate, limit)
	if err != nil {
		return nil, persistErr("StockHistory", err)
	}
	defer rows.Close()

	out := make([]domain.StockHistoryEntry, 0, limit)
	for rows.Next() {
		var entry domain.StockHistoryEntry
		if err := rows.Scan(&entry.ID, &entry.Category, &entry.ItemName, &entry.ChangeType,
			&entry.Quantity, &entry.PreviousStock, &entry.NewStock,
			&entry.BuyingPrice, &entry.SellingPrice, &entry.Actor,
			&entry.Note, &entry.CreatedAt); err != nil {
			return nil, persistErr("StockHistory", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("StockHistory", err)
	}
	return out, nil
}

func (s *Store) AppendActivity(ctx context.Context, entry domain.ActivityLogEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (id, username, role, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, entry.ID, entry.Username, entry.Role, entry.Action, nullIfEmpty(entry.Detail), entry.CreatedAt)
	if err != nil {
		return persistErr("AppendActivity", err)
	}
	return nil
}

func (s *Store) ListActivity(ctx context.Context, limit int) ([]domain.ActivityLogEntry, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, role, action, COALESCE(detail, ''), created_at
		FROM activity_logs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, persistErr("ListActivity", err)
	}
	defer rows.Close()

	out := make([]domain.ActivityLogEntry, 0, limit)
	for rows.Next() {
		var entry domain.ActivityLogEntry
		if err := rows.Scan(&entry.ID, &entry.Username, &entry.Role, &entry.Action,
			&entry.Detail, &entry.CreatedAt); err != nil {
			return nil, persistErr("ListActivity", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("ListActivity", err)
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return &store.ValidationError{Field: "username", Reason: "username and password required"}
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password_hash, role, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now())
	`, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateItem
		}
		return persistErr("CreateUser", err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, persistErr("ListUsers", err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt); err != nil {
			return nil, persistErr("ListUsers", err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("ListUsers", err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return &store.ValidationError{Field: "username", Reason: "username and password required"}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password_hash = $2, updated_at = now()
		WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return persistErr("UpdateUserPassword", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return persistErr("UpdateUserPassword", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertStockHistory(ctx context.Context, pgTx *sql.Tx, entry domain.StockHistoryEntry) error {
	if err := store.ValidateStockEntry(entry); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = xid.New("sh")
	}
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO stock_history (id, category, item_name, change_type, quantity,
			previous_stock, new_stock, buying_price, selling_price, actor, note, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.Category, entry.ItemName, entry.ChangeType, entry.Quantity,
		entry.PreviousStock, entry.NewStock, entry.BuyingPrice, entry.SellingPrice,
		entry.Actor, nullIfEmpty(entry.Note), entry.CreatedAt)
	return err
}

func insertActivity(ctx context.Context, pgTx *sql.Tx, actor domain.Actor, action string, detail string, at time.Time) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO activity_logs (id, username, role, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, xid.New("act"), actor.Username, actor.Role, action, nullIfEmpty(detail), at)
	return err
}

func lockSummary(ctx context.Context, pgTx *sql.Tx, date string) (domain.DailySummary, error) {
	summary := domain.DailySummary{Date: date}
	err := pgTx.QueryRowContext(ctx, `
		SELECT total_sales, cash_sales, mpesa_sales, card_sales, other_sales,
			items_sold, total_profit, COALESCE(most_sold_item, ''),
			COALESCE(most_sold_category, ''), avg_profit_margin
		FROM daily_summaries
		WHERE date = $1
		FOR UPDATE
	`, date).Scan(&summary.TotalSales, &summary.CashSales, &summary.MpesaSales,
		&summary.CardSales, &summary.OtherSales, &summary.ItemsSold, &summary.TotalProfit,
		&summary.MostSoldItem, &summary.MostSoldCategory, &summary.AvgProfitMargin)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return summary, err
	}
	return summary, nil
}

func dayItemQty(ctx context.Context, pgTx *sql.Tx, date string, category string, name string) (int, error) {
	if name == "" {
		return 0, nil
	}
	var qty int
	err := pgTx.QueryRowContext(ctx, `
		SELECT quantity
		FROM daily_item_counts
		WHERE date = $1 AND category = $2 AND item_name = $3
		FOR UPDATE
	`, date, category, name).Scan(&qty)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return qty, nil
}

func upsertSummary(ctx context.Context, pgTx *sql.Tx, date string, summary domain.DailySummary) error {
	_, err := pgTx.ExecContext(ctx, `
		INSERT INTO daily_summaries (date, total_sales, cash_sales, mpesa_sales, card_sales,
			other_sales, items_sold, total_profit, most_sold_item, most_sold_category,
			avg_profit_margin, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (date)
		DO UPDATE SET total_sales = EXCLUDED.total_sales,
			cash_sales = EXCLUDED.cash_sales,
			mpesa_sales = EXCLUDED.mpesa_sales,
			card_sales = EXCLUDED.card_sales,
			other_sales = EXCLUDED.other_sales,
			items_sold = EXCLUDED.items_sold,
			total_profit = EXCLUDED.total_profit,
			most_sold_item = EXCLUDED.most_sold_item,
			most_sold_category = EXCLUDED.most_sold_category,
			avg_profit_margin = EXCLUDED.avg_profit_margin,
			updated_at = now()
	`, date, summary.TotalSales, summary.CashSales, summary.MpesaSales, summary.CardSales,
		summary.OtherSales, summary.ItemsSold, summary.TotalProfit,
		nullIfEmpty(summary.MostSoldItem), nullIfEmpty(summary.MostSoldCategory),
		summary.AvgProfitMargin)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// persistErr wraps backend failures so callers can classify them as
// retryable; locally produced domain errors pass through untouched.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrDuplicateItem) ||
		errors.Is(err, store.ErrInactiveItem) ||
		errors.Is(err, store.ErrInsufficientStock) ||
		errors.Is(err, store.ErrValidation) {
		return err
	}
	return &store.PersistenceError{Op: op, Err: err}
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
