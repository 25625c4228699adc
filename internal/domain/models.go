package domain

import "time"

type Product struct {
	ID              string    `json:"id"`
	Code            string    `json:"code"`
	Name            string    `json:"name"`
	Category        string    `json:"category"`
	Supplier        string    `json:"supplier"`
	BulkContent     float64   `json:"bulk_content"`
	CostPrice       float64   `json:"cost_price"`
	WholesalePrice  float64   `json:"wholesale_price"`
	RetailMarginPct float64   `json:"retail_margin_pct"`
	Stock           float64   `json:"stock"`
	MinStock        float64   `json:"min_stock"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	Code            string  `json:"code"`
	Name            string  `json:"name"`
	Category        string  `json:"category"`
	Supplier        string  `json:"supplier"`
	BulkContent     float64 `json:"bulk_content"`
	CostPrice       float64 `json:"cost_price"`
	WholesalePrice  float64 `json:"wholesale_price"`
	RetailMarginPct float64 `json:"retail_margin_pct"`
	InitialStock    float64 `json:"initial_stock"`
	MinStock        float64 `json:"min_stock"`
}

type ProductUpdateRequest struct {
	Name            *string  `json:"name,omitempty"`
	Category        *string  `json:"category,omitempty"`
	Supplier        *string  `json:"supplier,omitempty"`
	BulkContent     *float64 `json:"bulk_content,omitempty"`
	CostPrice       *float64 `json:"cost_price,omitempty"`
	WholesalePrice  *float64 `json:"wholesale_price,omitempty"`
	RetailMarginPct *float64 `json:"retail_margin_pct,omitempty"`
	MinStock        *float64 `json:"min_stock,omitempty"`
	Active          *bool    `json:"active,omitempty"`
}

type Fraction struct {
	ID         string   `json:"id"`
	ProductID  string   `json:"product_id"`
	Name       string   `json:"name"`
	Quantity   float64  `json:"quantity"`
	FixedPrice *float64 `json:"fixed_price,omitempty"`
	Active     bool     `json:"active"`
}

type FractionCreateRequest struct {
	ProductID  string   `json:"product_id"`
	Name       string   `json:"name"`
	Quantity   float64  `json:"quantity"`
	FixedPrice *float64 `json:"fixed_price,omitempty"`
}

// FractionUpdateRequest leaves absent fields unchanged. ClearFixedPrice
// drops the fixed price so the fraction reverts to margin-derived pricing.
type FractionUpdateRequest struct {
	Name            *string  `json:"name,omitempty"`
	Quantity        *float64 `json:"quantity,omitempty"`
	FixedPrice      *float64 `json:"fixed_price,omitempty"`
	ClearFixedPrice bool     `json:"clear_fixed_price,omitempty"`
	Active          *bool    `json:"active,omitempty"`
}

type Client struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phone       string    `json:"phone"`
	DiscountPct float64   `json:"discount_pct"`
	Balance     float64   `json:"balance"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type ClientCreateRequest struct {
	Name        string  `json:"name"`
	Phone       string  `json:"phone"`
	DiscountPct float64 `json:"discount_pct"`
}

type ClientUpdateRequest struct {
	Name        *string  `json:"name,omitempty"`
	Phone       *string  `json:"phone,omitempty"`
	DiscountPct *float64 `json:"discount_pct,omitempty"`
	Active      *bool    `json:"active,omitempty"`
}

type ClientMovement struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Kind      string    `json:"kind"`
	Amount    float64   `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	Note      string    `json:"note,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type ClientPaymentRequest struct {
	Amount float64 `json:"amount"`
	Note   string  `json:"note"`
}

type SpecialPrice struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	ProductID string    `json:"product_id"`
	Price     float64   `json:"price"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type SpecialPriceRequest struct {
	ClientID  string  `json:"client_id"`
	ProductID string  `json:"product_id"`
	Price     float64 `json:"price"`
}

type PriceQuoteRequest struct {
	ClientID   string `json:"client_id,omitempty"`
	ProductID  string `json:"product_id"`
	FractionID string `json:"fraction_id,omitempty"`
	Channel    string `json:"channel"`
}

type PriceQuote struct {
	ProductID  string  `json:"product_id"`
	FractionID string  `json:"fraction_id,omitempty"`
	Channel    string  `json:"channel"`
	UnitPrice  float64 `json:"unit_price"`
	Source     string  `json:"source"`
}

type Sale struct {
	ID            string     `json:"id"`
	Date          string     `json:"date"`
	Channel       string     `json:"channel"`
	PaymentMethod string     `json:"payment_method"`
	ClientID      string     `json:"client_id,omitempty"`
	Actor         string     `json:"actor"`
	Total         float64    `json:"total"`
	Voided        bool       `json:"voided"`
	VoidReason    string     `json:"void_reason,omitempty"`
	VoidedAt      *time.Time `json:"voided_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Lines         []SaleLine `json:"lines"`
}

type SaleLine struct {
	ID          string  `json:"id"`
	SaleID      string  `json:"sale_id"`
	ProductID   string  `json:"product_id"`
	FractionID  string  `json:"fraction_id,omitempty"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	UnitCost    float64 `json:"unit_cost"`
	ReturnedQty float64 `json:"returned_qty"`
}

type SaleItemRequest struct {
	ProductID  string  `json:"product_id"`
	FractionID string  `json:"fraction_id,omitempty"`
	Quantity   float64 `json:"quantity"`
}

type SaleRequest struct {
	Items         []SaleItemRequest `json:"items"`
	ClientID      string            `json:"client_id,omitempty"`
	Channel       string            `json:"channel"`
	PaymentMethod string            `json:"payment_method"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type SaleFilter struct {
	From     string
	To       string
	ClientID string
	Voided   *bool
	Limit    int
}

type StockMovement struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  float64   `json:"quantity"`
	Kind      string    `json:"kind"`
	Reference string    `json:"reference,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type StockAdjustRequest struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	Kind      string  `json:"kind"`
	Reason    string  `json:"reason"`
	Force     bool    `json:"force"`
}

type StockAdjustResponse struct {
	Product  Product       `json:"product"`
	Movement StockMovement `json:"movement"`
	LowStock bool          `json:"low_stock"`
}

type Reversal struct {
	ID        string         `json:"id"`
	SaleID    string         `json:"sale_id"`
	Kind      string         `json:"kind"`
	Amount    float64        `json:"amount"`
	Reason    string         `json:"reason"`
	Actor     string         `json:"actor"`
	CreatedAt time.Time      `json:"created_at"`
	Lines     []ReversalLine `json:"lines,omitempty"`
}

type ReversalLine struct {
	LineID    string  `json:"line_id"`
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity"`
	Amount    float64 `json:"amount"`
}

type ReturnSelection struct {
	LineID   string  `json:"line_id"`
	Quantity float64 `json:"quantity"`
}

type ReturnRequest struct {
	Selections []ReturnSelection `json:"selections"`
	Reason     string            `json:"reason"`
	AdminPIN   string            `json:"admin_pin"`
}

type VoidSaleRequest struct {
	Reason   string `json:"reason"`
	AdminPIN string `json:"admin_pin"`
}

type ReversalResponse struct {
	Reversal Reversal `json:"reversal"`
}

type CashSession struct {
	ID            string     `json:"id"`
	Date          string     `json:"date"`
	Status        string     `json:"status"`
	OpeningAmount float64    `json:"opening_amount"`
	ClosingAmount *float64   `json:"closing_amount,omitempty"`
	Expected      *float64   `json:"expected,omitempty"`
	Difference    *float64   `json:"difference,omitempty"`
	OpenedBy      string     `json:"opened_by"`
	ClosedBy      string     `json:"closed_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	OpenedAt      time.Time  `json:"opened_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

type CashWithdrawal struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Amount    float64   `json:"amount"`
	Reason    string    `json:"reason"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type CashOpenRequest struct {
	OpeningAmount float64 `json:"opening_amount"`
	Notes         string  `json:"notes"`
}

type CashCloseRequest struct {
	ClosingAmount float64 `json:"closing_amount"`
	Notes         string  `json:"notes"`
}

type CashWithdrawalRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

type CashCloseResponse struct {
	Session    CashSession `json:"session"`
	Expected   float64     `json:"expected"`
	Real       float64     `json:"real"`
	Difference float64     `json:"difference"`
}

type CashTotals struct {
	CashSales    float64 `json:"cash_sales"`
	Withdrawals  float64 `json:"withdrawals"`
	CashExpenses float64 `json:"cash_expenses"`
}

type CashStatus struct {
	Open         bool             `json:"open"`
	Session      *CashSession     `json:"session,omitempty"`
	CashSales    float64          `json:"cash_sales"`
	Withdrawals  float64          `json:"withdrawals"`
	CashExpenses float64          `json:"cash_expenses"`
	ExpectedCash float64          `json:"expected_cash"`
	Movements    []CashWithdrawal `json:"movements,omitempty"`
}

type Expense struct {
	ID            string    `json:"id"`
	Date          string    `json:"date"`
	Amount        float64   `json:"amount"`
	Category      string    `json:"category"`
	Description   string    `json:"description"`
	PaymentMethod string    `json:"payment_method"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"created_at"`
}

type ExpenseCreateRequest struct {
	Date          string  `json:"date,omitempty"`
	Amount        float64 `json:"amount"`
	Category      string  `json:"category"`
	Description   string  `json:"description"`
	PaymentMethod string  `json:"payment_method"`
}

type AuditRecord struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Before     string    `json:"before,omitempty"`
	After      string    `json:"after,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type AuditFilter struct {
	From       string
	To         string
	EntityType string
	EntityID   string
	Actor      string
	Limit      int
}

type BulkPriceUpdateRequest struct {
	Category string   `json:"category,omitempty"`
	Supplier string   `json:"supplier,omitempty"`
	Percent  float64  `json:"percent"`
	Fields   []string `json:"fields,omitempty"`
	DryRun   bool     `json:"dry_run"`
}

type BulkPriceChange struct {
	ProductID         string  `json:"product_id"`
	Code              string  `json:"code"`
	Name              string  `json:"name"`
	OldCostPrice      float64 `json:"old_cost_price"`
	NewCostPrice      float64 `json:"new_cost_price"`
	OldWholesalePrice float64 `json:"old_wholesale_price"`
	NewWholesalePrice float64 `json:"new_wholesale_price"`
}

type BulkPriceUpdateResponse struct {
	DryRun  bool              `json:"dry_run"`
	Percent float64           `json:"percent"`
	Updated int               `json:"updated"`
	Changes []BulkPriceChange `json:"changes"`
}

type DailySummary struct {
	Date       string  `json:"date"`
	SalesCount int     `json:"sales_count"`
	Total      float64 `json:"total"`
	CashTotal  float64 `json:"cash_total"`
	Profit     float64 `json:"profit"`
	Expenses   float64 `json:"expenses"`
}

type ReorderSuggestion struct {
	ProductID      string  `json:"product_id"`
	Code           string  `json:"code"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	CurrentStock   float64 `json:"current_stock"`
	MinStock       float64 `json:"min_stock"`
	SoldLast30Days float64 `json:"sold_last_30_days"`
	SuggestedQty   float64 `json:"suggested_qty"`
	EstimatedCost  float64 `json:"estimated_cost"`
	Score          float64 `json:"score"`
	ReasonCode     string  `json:"reason_code"`
}

type ReorderSuggestionResponse struct {
	GeneratedAt string              `json:"generated_at"`
	Suggestions []ReorderSuggestion `json:"suggestions"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	ChannelWholesale = "wholesale"
	ChannelRetail    = "retail"
)

const (
	PaymentCash     = "cash"
	PaymentTransfer = "transfer"
	PaymentAccount  = "account"
)

const (
	MovementSale       = "sale"
	MovementReturn     = "return"
	MovementEntry      = "entry"
	MovementAdjustment = "adjustment"
)

const (
	ReversalKindVoid   = "void"
	ReversalKindReturn = "return"
)

const (
	CashStatusOpen   = "open"
	CashStatusClosed = "closed"
)

const (
	ClientMovementCharge  = "charge"
	ClientMovementPayment = "payment"
	ClientMovementRefund  = "refund"
)

const (
	PriceSourceSpecial        = "special_price"
	PriceSourceClientDiscount = "client_discount"
	PriceSourceFractionFixed  = "fraction_fixed"
	PriceSourceFractionMargin = "fraction_margin"
	PriceSourceWholesale      = "wholesale"
	PriceSourceRetail         = "retail"
)

const (
	PriceFieldCost      = "cost"
	PriceFieldWholesale = "wholesale"
)
