// Package service implements the business rules of the POS backend on top
// of the store.Repository persistence gateway.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// STKPush is the gateway-facing request to prompt a customer's phone.
type STKPush struct {
	PhoneNumber      string
	AmountCents      int64
	AccountReference string
	Description      string
}

type STKPushResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
}

// MpesaCallbackEvent is the gateway-agnostic form of a payment callback.
type MpesaCallbackEvent struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	PhoneNumber       string
	AmountCents       int64
}

func (e MpesaCallbackEvent) Success() bool { return e.ResultCode == 0 }

// PaymentGateway is the mobile-money collaborator. The Daraja client in
// internal/mpesa implements it; tests use a stub.
type PaymentGateway interface {
	InitiateSTKPush(ctx context.Context, push STKPush) (*STKPushResult, error)
}

type Service struct {
	repo    store.Repository
	gateway PaymentGateway
	log     *logrus.Logger

	// now is swappable in tests that exercise the void window and purge.
	now func() time.Time
}

func New(repo store.Repository, gateway PaymentGateway, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// ---- Catalog ----

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	sku := strings.ToUpper(strings.TrimSpace(req.SKU))
	if sku == "" {
		return nil, fmt.Errorf("%w: sku is required", store.ErrInvalidInput)
	}
	if req.MaxStock > 0 && req.MaxStock < req.MinStock {
		return nil, fmt.Errorf("%w: max stock below min stock", store.ErrInvalidInput)
	}

	now := s.now()
	id := xid.New("prod")
	product := domain.Product{
		ID:               id,
		SKU:              sku,
		Name:             strings.TrimSpace(req.Name),
		CategoryID:       req.CategoryID,
		SupplierID:       req.SupplierID,
		CostPriceCents:   req.CostPriceCents,
		RetailPriceCents: req.RetailPriceCents,
		StockQuantity:    req.StockQuantity,
		MinStock:         req.MinStock,
		MaxStock:         req.MaxStock,
		VATStatus:        req.VATStatus,
		Active:           true,
		WholesaleTiers:   buildTiers(id, req.WholesaleTiers),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "PRODUCT_CREATED", "product", created.ID, nil, created, "")
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.UpdateProductRequest) (*domain.Product, error) {
	existing, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.CategoryID != nil {
		updated.CategoryID = *req.CategoryID
	}
	if req.SupplierID != nil {
		updated.SupplierID = *req.SupplierID
	}
	if req.CostPriceCents != nil {
		updated.CostPriceCents = *req.CostPriceCents
	}
	if req.RetailPriceCents != nil {
		updated.RetailPriceCents = *req.RetailPriceCents
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
	}
	if req.MaxStock != nil {
		updated.MaxStock = *req.MaxStock
	}
	if req.VATStatus != nil {
		updated.VATStatus = *req.VATStatus
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.WholesaleTiers != nil {
		updated.WholesaleTiers = buildTiers(updated.ID, *req.WholesaleTiers)
	}
	if updated.MaxStock > 0 && updated.MaxStock < updated.MinStock {
		return nil, fmt.Errorf("%w: max stock below min stock", store.ErrInvalidInput)
	}
	updated.UpdatedAt = s.now()

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "PRODUCT_UPDATED", "product", saved.ID, existing, saved, "")
	return saved, nil
}

func buildTiers(productID string, reqs []domain.WholesaleTierRequest) []domain.WholesaleTier {
	tiers := make([]domain.WholesaleTier, 0, len(reqs))
	for _, t := range reqs {
		tiers = append(tiers, domain.WholesaleTier{
			ID:          xid.New("tier"),
			ProductID:   productID,
			MinQuantity: t.MinQuantity,
			PriceCents:  t.PriceCents,
		})
	}
	// Kept sorted by MinQuantity ascending.
	for i := 1; i < len(tiers); i++ {
		for j := i; j > 0 && tiers[j].MinQuantity < tiers[j-1].MinQuantity; j-- {
			tiers[j], tiers[j-1] = tiers[j-1], tiers[j]
		}
	}
	return tiers
}

func (s *Service) CreateCategory(ctx context.Context, req domain.CreateCategoryRequest) (*domain.Category, error) {
	now := s.now()
	return s.repo.CreateCategory(ctx, domain.Category{
		ID:          xid.New("cat"),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.CreateSupplierRequest) (*domain.Supplier, error) {
	now := s.now()
	return s.repo.CreateSupplier(ctx, domain.Supplier{
		ID:        xid.New("sup"),
		Name:      strings.TrimSpace(req.Name),
		Phone:     req.Phone,
		Email:     req.Email,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

// ---- Inventory ----

func (s *Service) RecordStockEntry(ctx context.Context, req domain.StockEntryRequest) (*domain.StockEntryResponse, error) {
	return s.recordStockEntry(ctx, req, nil)
}

func (s *Service) recordStockEntry(ctx context.Context, req domain.StockEntryRequest, recordedAt *time.Time) (*domain.StockEntryResponse, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: stock entry quantity must be positive", store.ErrInvalidInput)
	}
	product, err := s.repo.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	actor, _ := ActorFromContext(ctx)
	at := s.now()
	if recordedAt != nil {
		at = recordedAt.UTC()
	}
	entry := domain.StockEntry{
		ID:               xid.New("stk"),
		ProductID:        req.ProductID,
		Quantity:         req.Quantity,
		SupplierID:       req.SupplierID,
		BuyingPriceCents: req.BuyingPriceCents,
		Note:             req.Note,
		RecordedBy:       actor.Username,
		CreatedAt:        at,
	}
	saved, stockAfter, err := s.repo.ApplyStockEntry(ctx, entry)
	if err != nil {
		return nil, err
	}

	warning := ""
	switch {
	case stockAfter < product.MinStock:
		warning = fmt.Sprintf("stock %d below minimum %d", stockAfter, product.MinStock)
	case product.MaxStock > 0 && stockAfter > product.MaxStock:
		warning = fmt.Sprintf("stock %d above maximum %d", stockAfter, product.MaxStock)
	}

	s.logAudit(ctx, "STOCK_ENTRY", "product", product.ID, nil, saved,
		fmt.Sprintf("qty=%d stock_after=%d", req.Quantity, stockAfter))
	return &domain.StockEntryResponse{Entry: *saved, StockAfter: stockAfter, StockWarning: warning}, nil
}

func (s *Service) ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListStockEntries(ctx, productID, limit)
}

// ---- Reporting / audit ----

func (s *Service) GetDailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	day := s.now().Truncate(24 * time.Hour)
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.DailyReport{}, fmt.Errorf("%w: invalid date %q, want YYYY-MM-DD", store.ErrInvalidInput, date)
		}
		day = parsed.UTC()
	}
	return s.repo.GetDailyReport(ctx, day, day.Add(24*time.Hour))
}

func (s *Service) ListAuditLogs(ctx context.Context, entityType string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, entityType, limit)
}

// logAudit records an audit entry with optional before/after snapshots.
// Audit failures are logged, never surfaced; an audit outage must not
// block a sale.
func (s *Service) logAudit(ctx context.Context, action, entityType, entityID string, before, after any, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	entry := domain.AuditLog{
		ID:         xid.New("audit"),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor.Username,
		ActorRole:  actor.Role,
		BeforeData: marshalSnapshot(before),
		AfterData:  marshalSnapshot(after),
		Detail:     detail,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write audit log")
	}
}

func marshalSnapshot(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
