package domain

import "time"

// Roles known to the system.
const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

// Payment methods accepted at the till. Summary bucketing always
// dispatches on these via an explicit switch.
const (
	PaymentCash  = "cash"
	PaymentMpesa = "mpesa"
	PaymentCard  = "card"
	PaymentOther = "other"
)

// ValidPaymentMethod reports whether m is one of the accepted payment
// methods.
func ValidPaymentMethod(m string) bool {
	switch m {
	case PaymentCash, PaymentMpesa, PaymentCard, PaymentOther:
		return true
	default:
		return false
	}
}

// Stock history change types.
const (
	ChangeAdd    = "add"
	ChangeRemove = "remove"
	ChangeSale   = "sale"
	ChangeAdjust = "adjust"
)

// Item is one catalog entry. Identity is (Category, Name).
type Item struct {
	Category     string    `json:"category"`
	Name         string    `json:"name"`
	BuyingPrice  float64   `json:"buying_price"`
	SellingPrice float64   `json:"selling_price"`
	CurrentStock int       `json:"current_stock"`
	TotalSold    int       `json:"total_sold"`
	TotalRevenue float64   `json:"total_revenue"`
	TotalProfit  float64   `json:"total_profit"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateItemRequest adds a new catalog entry.
type CreateItemRequest struct {
	Category     string  `json:"category"`
	Name         string  `json:"name"`
	BuyingPrice  float64 `json:"buying_price"`
	SellingPrice float64 `json:"selling_price"`
	InitialStock int     `json:"initial_stock"`
}

// AdjustStockRequest applies a signed stock delta to one item and may
// change its prices in the same step.
type AdjustStockRequest struct {
	Category     string   `json:"category"`
	Name         string   `json:"name"`
	Delta        int      `json:"delta"`
	BuyingPrice  *float64 `json:"buying_price,omitempty"`
	SellingPrice *float64 `json:"selling_price,omitempty"`
	Note         string   `json:"note,omitempty"`
}

// Sale is one recorded sale line. A multi-line cart produces one Sale
// per line, all committed together.
type Sale struct {
	ID             string    `json:"id"`
	Category       string    `json:"category"`
	ItemName       string    `json:"item_name"`
	Quantity       int       `json:"quantity"`
	UnitPrice      float64   `json:"unit_price"`
	Amount         float64   `json:"amount"`
	Profit         float64   `json:"profit"`
	PaymentMethod  string    `json:"payment_method"`
	PaymentDetails string    `json:"payment_details,omitempty"`
	CustomerName   string    `json:"customer_name,omitempty"`
	SoldBy         string    `json:"sold_by"`
	Date           string    `json:"date"`
	Time           string    `json:"time"`
	CreatedAt      time.Time `json:"created_at"`
}

// CartLine is one line of a sale request. Prices are never taken from
// the caller; the ledger reads them from the catalog at commit time.
type CartLine struct {
	Category string `json:"category"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// SaleContext carries the per-cart fields shared by every line.
type SaleContext struct {
	SoldBy         string `json:"sold_by"`
	CustomerName   string `json:"customer_name,omitempty"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	PaymentMethod  string `json:"payment_method"`
	PaymentDetails string `json:"payment_details,omitempty"`
}

// StockHistoryEntry is one append-only stock ledger row. Entries are
// never updated or deleted; reversals append compensating entries.
// PreviousStock and NewStock bracket the change so every row is a
// self-contained audit record.
type StockHistoryEntry struct {
	ID            string    `json:"id"`
	Category      string    `json:"category"`
	ItemName      string    `json:"item_name"`
	ChangeType    string    `json:"change_type"`
	Quantity      int       `json:"quantity"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	BuyingPrice   float64   `json:"buying_price"`
	SellingPrice  float64   `json:"selling_price"`
	Actor         string    `json:"actor"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StockHistoryQuery filters the stock ledger.
type StockHistoryQuery struct {
	Category string
	Name     string
	FromDate string
	ToDate   string
	Limit    int
}

// DailySummary is the rolling per-day aggregate, updated on every
// sale and deleted wholesale when the day is cleared.
type DailySummary struct {
	Date             string  `json:"date"`
	TotalSales       float64 `json:"total_sales"`
	CashSales        float64 `json:"cash_sales"`
	MpesaSales       float64 `json:"mpesa_sales"`
	CardSales        float64 `json:"card_sales"`
	OtherSales       float64 `json:"other_sales"`
	ItemsSold        int     `json:"items_sold"`
	TotalProfit      float64 `json:"total_profit"`
	MostSoldItem     string  `json:"most_sold_item"`
	MostSoldCategory string  `json:"most_sold_category"`
	AvgProfitMargin  float64 `json:"avg_profit_margin"`
}

// DailySalesRow is one grouped row of a day's sales, one per item and
// payment method, ordered by amount descending. ProfitMargin is a
// percentage of the row's amount.
type DailySalesRow struct {
	Category      string  `json:"category"`
	ItemName      string  `json:"item_name"`
	Quantity      int     `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	TotalAmount   float64 `json:"total_amount"`
	PaymentMethod string  `json:"payment_method"`
	TotalProfit   float64 `json:"total_profit"`
	ProfitMargin  float64 `json:"profit_margin"`
}

// TopSellingRow ranks items by quantity sold over a trailing window.
type TopSellingRow struct {
	Category string  `json:"category"`
	ItemName string  `json:"item_name"`
	Quantity int     `json:"quantity"`
	Revenue  float64 `json:"revenue"`
}

// ActivityLogEntry is one append-only audit row.
type ActivityLogEntry struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AnomalyAlert flags unusual operational activity derived from the
// activity log.
type AnomalyAlert struct {
	Username string `json:"username"`
	Kind     string `json:"kind"`
	Count    int    `json:"count"`
	Detail   string `json:"detail"`
}

// UserAccount is a stored login. PasswordHash is bcrypt.
type UserAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Actor identifies the authenticated caller of a service operation.
type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RecordSaleRequest is the wire shape of a cart submission.
type RecordSaleRequest struct {
	Lines          []CartLine `json:"lines"`
	CustomerName   string     `json:"customer_name,omitempty"`
	Date           string     `json:"date,omitempty"`
	Time           string     `json:"time,omitempty"`
	PaymentMethod  string     `json:"payment_method"`
	PaymentDetails string     `json:"payment_details,omitempty"`
}

// ClearDayRequest reverses a day's sales. ManagerPIN is checked at
// the HTTP layer on top of the admin role.
type ClearDayRequest struct {
	Date       string `json:"date"`
	ManagerPIN string `json:"manager_pin"`
}

type DeactivateItemRequest struct {
	Category string `json:"category"`
	Name     string `json:"name"`
}

type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest and LoginResponse shape the auth endpoint.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresIn int64  `json:"expires_in"`
}
