package store

import (
	"context"
	"errors"
	"time"

	"dukapos/backend/internal/domain"
)

// Sentinel errors shared by every Repository implementation. Callers
// match with errors.Is; implementations wrap them with context.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSale       = errors.New("invalid sale state")
	ErrVoidWindowExpired = errors.New("void window expired")
	ErrDependency        = errors.New("dependency unavailable")
)

// RefundPlan is the transactional input for ApplyRefund. Lines selects
// item-level refunds; AmountCents selects a proportional refund. Exactly
// one of the two is set by the service layer.
type RefundPlan struct {
	SaleID      string
	Reason      string
	RefundedBy  string
	Lines       []domain.RefundItemRequest
	AmountCents int64
	At          time.Time
}

// Repository is the persistence gateway. Multi-step mutations
// (CreateSale, ApplyRefund, VoidSale, ApplyStockEntry) are atomic:
// implementations run them in a single transaction with the affected
// rows locked.
type Repository interface {
	// Catalog.
	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)

	// Inventory.
	ApplyStockEntry(ctx context.Context, entry domain.StockEntry) (*domain.StockEntry, int64, error)
	ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error)

	// Sales.
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	FindSaleByID(ctx context.Context, id string) (*domain.Sale, error)
	FindSaleByOfflineID(ctx context.Context, offlineID string) (*domain.Sale, error)
	ListSales(ctx context.Context, from, to time.Time, limit int) ([]domain.Sale, error)
	ApplyRefund(ctx context.Context, plan RefundPlan) (*domain.RefundResponse, error)
	VoidSale(ctx context.Context, saleID, reason, voidedBy string, at time.Time) (*domain.Sale, error)
	ListRefundsBySale(ctx context.Context, saleID string) ([]domain.Refund, error)

	// Payments.
	FindPaymentByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error)
	UpdatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	UpdateSalePaymentStatus(ctx context.Context, saleID, status string) error

	// Offline sync queue.
	EnqueueSyncItem(ctx context.Context, item domain.OfflineSyncItem) (*domain.OfflineSyncItem, error)
	UpdateSyncItem(ctx context.Context, item domain.OfflineSyncItem) error
	ListPendingSyncItems(ctx context.Context, limit int) ([]domain.OfflineSyncItem, error)
	PurgeCompletedSyncItems(ctx context.Context, before time.Time) (int, error)

	// Audit.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityType string, limit int) ([]domain.AuditLog, error)

	// Reporting.
	GetDailyReport(ctx context.Context, from, to time.Time) (domain.DailyReport, error)

	// Users.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, user domain.User) error
	ListUsers(ctx context.Context) ([]domain.User, error)

	Ping(ctx context.Context) error
}
