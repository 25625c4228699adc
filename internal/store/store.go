package store

import (
	"context"
	"errors"
	"time"

	"mayorista/backend/internal/domain"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidPriceInput     = errors.New("invalid price input")
	ErrInsufficientStock     = errors.New("insufficient stock")
	ErrCashClosed            = errors.New("cash session not open for date")
	ErrCashAlreadyOpen       = errors.New("cash session already exists for date")
	ErrSessionNotOpen        = errors.New("cash session not open")
	ErrAlreadyVoided         = errors.New("sale already voided")
	ErrInvalidReturnQuantity = errors.New("invalid return quantity")
	ErrNotAuthorized         = errors.New("not authorized")
	ErrConflict              = errors.New("concurrent modification")
)

// Repository is the single persistence boundary. Multi-step operations
// (CreateSale, VoidSale, ReturnSaleLines, AdjustStock, cash transitions,
// ApplyBulkPriceUpdate, ApplyClientPayment) are atomic: stock changes, ledger
// rows and their audit records land together or not at all. Audit records are
// append-only; no update or delete method for them exists on this interface.
type Repository interface {
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductByCode(ctx context.Context, code string) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product, actor string) (*domain.Product, error)
	ListCategories(ctx context.Context) ([]string, error)
	ListSuppliers(ctx context.Context) ([]string, error)
	ListLowStockProducts(ctx context.Context) ([]domain.Product, error)

	CreateFraction(ctx context.Context, fraction domain.Fraction) (*domain.Fraction, error)
	GetFractionByID(ctx context.Context, id string) (*domain.Fraction, error)
	ListFractionsByProduct(ctx context.Context, productID string) ([]domain.Fraction, error)
	UpdateFraction(ctx context.Context, fraction domain.Fraction) (*domain.Fraction, error)

	CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error)
	GetClientByID(ctx context.Context, id string) (*domain.Client, error)
	ListClients(ctx context.Context, includeInactive bool) ([]domain.Client, error)
	UpdateClient(ctx context.Context, client domain.Client) (*domain.Client, error)
	ApplyClientPayment(ctx context.Context, movement domain.ClientMovement) (*domain.Client, error)
	ListClientMovements(ctx context.Context, clientID string, limit int) ([]domain.ClientMovement, error)

	UpsertSpecialPrice(ctx context.Context, price domain.SpecialPrice) (*domain.SpecialPrice, error)
	GetActiveSpecialPrice(ctx context.Context, clientID string, productID string) (*domain.SpecialPrice, error)
	ListSpecialPricesByClient(ctx context.Context, clientID string) ([]domain.SpecialPrice, error)
	DeactivateSpecialPrice(ctx context.Context, id string) error

	AdjustStock(ctx context.Context, req domain.StockAdjustRequest, actor string) (*domain.StockAdjustResponse, error)
	ListStockMovements(ctx context.Context, productID string, limit int) ([]domain.StockMovement, error)
	SumStockMovements(ctx context.Context, productID string) (float64, error)
	SoldQuantitySince(ctx context.Context, since time.Time) (map[string]float64, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, reason string, actor string, at time.Time) (*domain.Reversal, error)
	ReturnSaleLines(ctx context.Context, saleID string, selections []domain.ReturnSelection, reason string, actor string, at time.Time) (*domain.Reversal, error)
	ListReversalsBySale(ctx context.Context, saleID string) ([]domain.Reversal, error)

	OpenCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetCashSessionByDate(ctx context.Context, date string) (*domain.CashSession, error)
	CreateCashWithdrawal(ctx context.Context, withdrawal domain.CashWithdrawal) (*domain.CashWithdrawal, error)
	ListCashWithdrawals(ctx context.Context, sessionID string) ([]domain.CashWithdrawal, error)
	CloseCashSession(ctx context.Context, date string, closingAmount float64, expected float64, notes string, actor string, at time.Time) (*domain.CashSession, error)
	CashTotalsForDate(ctx context.Context, date string) (domain.CashTotals, error)

	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	ListExpenses(ctx context.Context, from string, to string, limit int) ([]domain.Expense, error)

	AppendAudit(ctx context.Context, record domain.AuditRecord) error
	ListAuditRecords(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error)

	ApplyBulkPriceUpdate(ctx context.Context, changes []domain.BulkPriceChange, fields []string, actor string) (int, error)

	GetDailySummary(ctx context.Context, date string) (domain.DailySummary, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
