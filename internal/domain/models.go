package domain

import (
	"encoding/json"
	"time"
)

// Sale lifecycle.
const (
	SaleStatusCompleted = "COMPLETED"
	SaleStatusVoid      = "VOID"
	SaleStatusRefunded  = "REFUNDED"
)

// Payment lifecycle.
const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusRefunded  = "REFUNDED"
)

const (
	PaymentMethodCash  = "CASH"
	PaymentMethodMpesa = "MPESA"
)

// VAT treatment of a product's retail price.
const (
	VATInclusive = "INCLUSIVE"
	VATExclusive = "EXCLUSIVE"
	VATNone      = "NONE"
)

// VATRatePercent is the statutory VAT rate applied to VAT-exclusive prices.
const VATRatePercent = 16

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

// Offline sync queue.
const (
	SyncTypeSale       = "sale"
	SyncTypeStockEntry = "stock_entry"
	SyncTypeRefund     = "refund"
	SyncTypeVoid       = "void"

	SyncStatusPending   = "PENDING"
	SyncStatusCompleted = "COMPLETED"
	SyncStatusFailed    = "FAILED"

	SyncDefaultMaxRetries = 3
)

// VoidWindow is how long after creation a sale may still be voided.
const VoidWindow = 24 * time.Hour

type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Email     string    `json:"email,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WholesaleTier prices a product at PriceCents once the sold quantity
// reaches MinQuantity. Tiers are kept sorted by MinQuantity ascending.
type WholesaleTier struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	MinQuantity int64  `json:"min_quantity"`
	PriceCents  int64  `json:"price_cents"`
}

type Product struct {
	ID               string          `json:"id"`
	SKU              string          `json:"sku"`
	Name             string          `json:"name"`
	CategoryID       string          `json:"category_id,omitempty"`
	SupplierID       string          `json:"supplier_id,omitempty"`
	CostPriceCents   int64           `json:"cost_price_cents"`
	RetailPriceCents int64           `json:"retail_price_cents"`
	StockQuantity    int64           `json:"stock_quantity"`
	MinStock         int64           `json:"min_stock"`
	MaxStock         int64           `json:"max_stock"`
	VATStatus        string          `json:"vat_status"`
	Active           bool            `json:"active"`
	WholesaleTiers   []WholesaleTier `json:"wholesale_tiers,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type SaleItem struct {
	ID              string `json:"id"`
	SaleID          string `json:"sale_id"`
	ProductID       string `json:"product_id"`
	ProductName     string `json:"product_name"`
	Quantity        int64  `json:"quantity"`
	UnitPriceCents  int64  `json:"unit_price_cents"`
	TaxCents        int64  `json:"tax_cents"`
	TotalCents      int64  `json:"total_cents"`
	WholesaleTierID string `json:"wholesale_tier_id,omitempty"`
}

type Payment struct {
	ID                string    `json:"id"`
	SaleID            string    `json:"sale_id"`
	AmountCents       int64     `json:"amount_cents"`
	Method            string    `json:"method"`
	Status            string    `json:"status"`
	PhoneNumber       string    `json:"phone_number,omitempty"`
	MerchantRequestID string    `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string    `json:"checkout_request_id,omitempty"`
	MpesaReceipt      string    `json:"mpesa_receipt,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Sale struct {
	ID            string     `json:"id"`
	SaleNumber    string     `json:"sale_number"`
	Cashier       string     `json:"cashier"`
	Items         []SaleItem `json:"items"`
	Payments      []Payment  `json:"payments,omitempty"`
	SubtotalCents int64      `json:"subtotal_cents"`
	TaxCents      int64      `json:"tax_cents"`
	DiscountCents int64      `json:"discount_cents"`
	TotalCents    int64      `json:"total_cents"`
	PaidCents     int64      `json:"paid_cents"`
	ChangeCents   int64      `json:"change_cents"`
	PaymentMethod string     `json:"payment_method"`
	PaymentStatus string     `json:"payment_status"`
	Status        string     `json:"status"`
	OfflineID     string     `json:"offline_id,omitempty"`
	VoidReason    string     `json:"void_reason,omitempty"`
	VoidedBy      string     `json:"voided_by,omitempty"`
	VoidedAt      *time.Time `json:"voided_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RefundLine records the per-item detail of a refund.
type RefundLine struct {
	SaleItemID  string `json:"sale_item_id"`
	ProductID   string `json:"product_id"`
	Quantity    int64  `json:"quantity"`
	AmountCents int64  `json:"amount_cents"`
}

type Refund struct {
	ID          string       `json:"id"`
	SaleID      string       `json:"sale_id"`
	AmountCents int64        `json:"amount_cents"`
	Reason      string       `json:"reason"`
	RefundedBy  string       `json:"refunded_by"`
	Lines       []RefundLine `json:"lines,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// StockEntry records stock received into inventory; applying one
// increments the product's stock quantity.
type StockEntry struct {
	ID               string    `json:"id"`
	ProductID        string    `json:"product_id"`
	Quantity         int64     `json:"quantity"`
	SupplierID       string    `json:"supplier_id,omitempty"`
	BuyingPriceCents int64     `json:"buying_price_cents,omitempty"`
	Note             string    `json:"note,omitempty"`
	RecordedBy       string    `json:"recorded_by"`
	CreatedAt        time.Time `json:"created_at"`
}

// OfflineSyncItem is one queued operation awaiting (or done with)
// server-side replay. Payload is decoded per Type.
type OfflineSyncItem struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Actor      string    `json:"actor"`
	ActorRole  string    `json:"actor_role,omitempty"`
	BeforeData string    `json:"before_data,omitempty"`
	AfterData  string    `json:"after_data,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Actor identifies who performed an operation, carried on the context.
type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ---- Request / response DTOs ----

type SaleItemRequest struct {
	ProductID       string `json:"product_id" validate:"required"`
	Quantity        int64  `json:"quantity" validate:"required,gt=0"`
	WholesaleTierID string `json:"wholesale_tier_id,omitempty"`
}

type CreateSaleRequest struct {
	Items         []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod string            `json:"payment_method" validate:"required,oneof=CASH MPESA"`
	PaidCents     int64             `json:"paid_cents" validate:"gte=0"`
	DiscountCents int64             `json:"discount_cents" validate:"gte=0"`
	PhoneNumber   string            `json:"phone_number,omitempty"`
	OfflineID     string            `json:"offline_id,omitempty"`
	// RecordedAt carries the original capture time for offline replays.
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type CreateSaleResponse struct {
	Sale      Sale `json:"sale"`
	Duplicate bool `json:"duplicate"`
}

type RefundItemRequest struct {
	SaleItemID string `json:"sale_item_id" validate:"required"`
	Quantity   int64  `json:"quantity" validate:"required,gt=0"`
}

// RefundRequest refunds either specific items or a flat amount. An empty
// Items slice with a zero AmountCents refunds the full remaining value.
type RefundRequest struct {
	SaleID      string              `json:"-"`
	Reason      string              `json:"reason" validate:"required"`
	Items       []RefundItemRequest `json:"items,omitempty" validate:"omitempty,dive"`
	AmountCents int64               `json:"amount_cents,omitempty" validate:"gte=0"`
}

type RefundResponse struct {
	Refund               Refund `json:"refund"`
	RefundedAmountCents  int64  `json:"refunded_amount_cents"`
	RemainingAmountCents int64  `json:"remaining_amount_cents"`
}

type VoidSaleRequest struct {
	SaleID string `json:"-"`
	Reason string `json:"reason" validate:"required"`
	// RecordedAt carries the original capture time for offline replays;
	// the void window is judged against it when set.
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type VoidSaleResponse struct {
	Sale Sale `json:"sale"`
}

type StockEntryRequest struct {
	ProductID        string `json:"product_id" validate:"required"`
	Quantity         int64  `json:"quantity" validate:"required,gt=0"`
	SupplierID       string `json:"supplier_id,omitempty"`
	BuyingPriceCents int64  `json:"buying_price_cents,omitempty" validate:"gte=0"`
	Note             string `json:"note,omitempty"`
}

type StockEntryResponse struct {
	Entry        StockEntry `json:"entry"`
	StockAfter   int64      `json:"stock_after"`
	StockWarning string     `json:"stock_warning,omitempty"`
}

// Tagged sync payload variants, decoded strictly per OfflineSyncItem.Type.

type SyncSalePayload = CreateSaleRequest

type SyncStockEntryPayload struct {
	StockEntryRequest
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type SyncRefundPayload struct {
	SaleID        string              `json:"sale_id,omitempty"`
	SaleOfflineID string              `json:"sale_offline_id,omitempty"`
	Reason        string              `json:"reason"`
	Items         []RefundItemRequest `json:"items,omitempty"`
	AmountCents   int64               `json:"amount_cents,omitempty"`
}

type SyncVoidPayload struct {
	SaleID        string     `json:"sale_id,omitempty"`
	SaleOfflineID string     `json:"sale_offline_id,omitempty"`
	Reason        string     `json:"reason"`
	RecordedAt    *time.Time `json:"recorded_at,omitempty"`
}

type SyncItemRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type" validate:"required,oneof=sale stock_entry refund void"`
	Payload json.RawMessage `json:"payload" validate:"required"`
}

type SyncRequest struct {
	Items []SyncItemRequest `json:"items" validate:"required,min=1,dive"`
}

type SyncError struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type"`
	Error string `json:"error"`
}

type SyncResponse struct {
	Processed int         `json:"processed"`
	Failed    int         `json:"failed"`
	Errors    []SyncError `json:"errors,omitempty"`
}

type STKPushRequest struct {
	SaleID      string `json:"sale_id" validate:"required"`
	PhoneNumber string `json:"phone_number" validate:"required"`
}

type STKPushResponse struct {
	MerchantRequestID string `json:"merchant_request_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

type CreateProductRequest struct {
	SKU              string                 `json:"sku" validate:"required"`
	Name             string                 `json:"name" validate:"required"`
	CategoryID       string                 `json:"category_id,omitempty"`
	SupplierID       string                 `json:"supplier_id,omitempty"`
	CostPriceCents   int64                  `json:"cost_price_cents" validate:"gte=0"`
	RetailPriceCents int64                  `json:"retail_price_cents" validate:"gt=0"`
	StockQuantity    int64                  `json:"stock_quantity" validate:"gte=0"`
	MinStock         int64                  `json:"min_stock" validate:"gte=0"`
	MaxStock         int64                  `json:"max_stock" validate:"gte=0"`
	VATStatus        string                 `json:"vat_status" validate:"required,oneof=INCLUSIVE EXCLUSIVE NONE"`
	WholesaleTiers   []WholesaleTierRequest `json:"wholesale_tiers,omitempty" validate:"omitempty,dive"`
}

type WholesaleTierRequest struct {
	MinQuantity int64 `json:"min_quantity" validate:"required,gt=1"`
	PriceCents  int64 `json:"price_cents" validate:"required,gt=0"`
}

// UpdateProductRequest is a sparse patch; nil fields are left unchanged.
type UpdateProductRequest struct {
	Name             *string                 `json:"name,omitempty"`
	CategoryID       *string                 `json:"category_id,omitempty"`
	SupplierID       *string                 `json:"supplier_id,omitempty"`
	CostPriceCents   *int64                  `json:"cost_price_cents,omitempty" validate:"omitempty,gte=0"`
	RetailPriceCents *int64                  `json:"retail_price_cents,omitempty" validate:"omitempty,gt=0"`
	MinStock         *int64                  `json:"min_stock,omitempty" validate:"omitempty,gte=0"`
	MaxStock         *int64                  `json:"max_stock,omitempty" validate:"omitempty,gte=0"`
	VATStatus        *string                 `json:"vat_status,omitempty" validate:"omitempty,oneof=INCLUSIVE EXCLUSIVE NONE"`
	Active           *bool                   `json:"active,omitempty"`
	WholesaleTiers   *[]WholesaleTierRequest `json:"wholesale_tiers,omitempty" validate:"omitempty,dive"`
}

type CreateCategoryRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
}

type CreateSupplierRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

type CreateUserRequest struct {
	Username    string `json:"username" validate:"required,min=4"`
	Password    string `json:"password" validate:"required,min=6"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role" validate:"required,oneof=admin manager cashier"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token       string `json:"token"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	ExpiresIn   int64  `json:"expires_in"`
}

// DailyReport aggregates a single trading day.
type DailyReport struct {
	Date            string           `json:"date"`
	SalesCount      int64            `json:"sales_count"`
	GrossCents      int64            `json:"gross_cents"`
	RefundedCents   int64            `json:"refunded_cents"`
	NetCents        int64            `json:"net_cents"`
	TaxCents        int64            `json:"tax_cents"`
	VoidedCount     int64            `json:"voided_count"`
	MethodBreakdown map[string]int64 `json:"method_breakdown"`
}
