// Package memory provides an in-memory Repository used for tests and for
// running the backend without a database. Mutations take the write lock for
// their full duration, which gives the same atomicity the Postgres store
// gets from serializable transactions.
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

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	productIDBySKU   map[string]string
	categories       map[string]domain.Category
	suppliers        map[string]domain.Supplier
	sales            map[string]domain.Sale
	saleIDByOffline  map[string]string
	refundsBySale    map[string][]domain.Refund
	saleIDByCheckout map[string]string
	stockEntries     []domain.StockEntry
	syncItems        map[string]domain.OfflineSyncItem
	auditLogs        []domain.AuditLog
	users            map[string]domain.User
}

func New() *Store {
	return &Store{
		products:         map[string]domain.Product{},
		productIDBySKU:   map[string]string{},
		categories:       map[string]domain.Category{},
		suppliers:        map[string]domain.Supplier{},
		sales:            map[string]domain.Sale{},
		saleIDByOffline:  map[string]string{},
		refundsBySale:    map[string][]domain.Refund{},
		saleIDByCheckout: map[string]string{},
		syncItems:        map[string]domain.OfflineSyncItem{},
		users:            seedUsers(),
	}
}

// seedUsers builds the initial user accounts for dev/demo mode. Credentials
// come from SEED_ADMIN_PASSWORD / SEED_MANAGER_PASSWORD /
// SEED_CASHIER_PASSWORD; unset variables fall back to dev defaults with a
// warning. Production deployments use PostgreSQL (DATABASE_URL set).
func seedUsers() map[string]domain.User {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.User{}
	for _, u := range []struct {
		username string
		display  string
		password string
		role     string
	}{
		{"admin", "Administrator", adminPwd, domain.RoleAdmin},
		{"manager", "Shift Manager", managerPwd, domain.RoleManager},
		{"cashier", "Till Cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.User{
			Username:     u.username,
			PasswordHash: string(hash),
			DisplayName:  u.display,
			Role:         u.role,
			Active:       true,
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

// NewSeeded returns a store pre-loaded with a typical duka shelf.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	type seedTier struct {
		minQty int64
		price  int64
	}
	seed := []struct {
		sku    string
		name   string
		cost   int64
		retail int64
		stock  int64
		vat    string
		tiers  []seedTier
	}{
		{"SKU-UNGA-2KG", "Maize Flour 2kg", 13500, 15900, 120, domain.VATNone, []seedTier{{12, 15000}}},
		{"SKU-SUKARI-1KG", "Sugar 1kg", 14800, 17000, 120, domain.VATNone, []seedTier{{10, 16200}}},
		{"SKU-MAFUTA-1L", "Cooking Oil 1L", 29000, 34000, 120, domain.VATExclusive, []seedTier{{6, 32500}}},
		{"SKU-MKATE-400G", "Bread 400g", 5500, 6500, 120, domain.VATNone, nil},
		{"SKU-MAZIWA-500ML", "Milk 500ml", 4800, 6000, 120, domain.VATInclusive, []seedTier{{24, 5500}}},
		{"SKU-MCHELE-1KG", "Rice 1kg", 16500, 19500, 120, domain.VATNone, nil},
		{"SKU-SABUNI-BAR", "Laundry Soap Bar", 11000, 13500, 120, domain.VATInclusive, []seedTier{{12, 12800}}},
		{"SKU-MAJANI-250G", "Tea Leaves 250g", 19000, 22500, 120, domain.VATExclusive, nil},
		{"SKU-CHUMVI-500G", "Salt 500g", 2200, 3000, 120, domain.VATNone, nil},
		{"SKU-SODA-500ML", "Soda 500ml", 5200, 7000, 120, domain.VATInclusive, []seedTier{{24, 6500}}},
	}
	for _, p := range seed {
		id := xid.New("prod")
		tiers := make([]domain.WholesaleTier, 0, len(p.tiers))
		for _, t := range p.tiers {
			tiers = append(tiers, domain.WholesaleTier{
				ID:          xid.New("tier"),
				ProductID:   id,
				MinQuantity: t.minQty,
				PriceCents:  t.price,
			})
		}
		s.products[id] = domain.Product{
			ID:               id,
			SKU:              p.sku,
			Name:             p.name,
			CostPriceCents:   p.cost,
			RetailPriceCents: p.retail,
			StockQuantity:    p.stock,
			MinStock:         10,
			MaxStock:         500,
			VATStatus:        p.vat,
			Active:           true,
			WholesaleTiers:   tiers,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.productIDBySKU[p.sku] = id
	}
	return s
}

// ---- Catalog ----

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeInactive {
			continue
		}
		out = append(out, cloneProduct(p))
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, id)
	}
	cp := cloneProduct(p)
	return &cp, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.productIDBySKU[sku]
	if !ok {
		return nil, fmt.Errorf("%w: product sku %s", store.ErrNotFound, sku)
	}
	cp := cloneProduct(s.products[id])
	return &cp, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = cloneProduct(p)
		}
	}
	return out, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.productIDBySKU[product.SKU]; exists {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
	}
	s.products[product.ID] = cloneProduct(product)
	s.productIDBySKU[product.SKU] = product.ID
	cp := cloneProduct(product)
	return &cp, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.products[product.ID]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
	}
	// Stock is owned by sale/refund/stock-entry paths, never by updates.
	product.StockQuantity = current.StockQuantity
	product.SKU = current.SKU
	product.CreatedAt = current.CreatedAt
	s.products[product.ID] = cloneProduct(product)
	cp := cloneProduct(product)
	return &cp, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b domain.Category) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sp := range s.suppliers {
		out = append(out, sp)
	}
	slices.SortFunc(out, func(a, b domain.Supplier) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

// ---- Inventory ----

func (s *Store) ApplyStockEntry(_ context.Context, entry domain.StockEntry) (*domain.StockEntry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[entry.ProductID]
	if !ok {
		return nil, 0, fmt.Errorf("%w: product %s", store.ErrNotFound, entry.ProductID)
	}
	if entry.Quantity <= 0 {
		return nil, 0, fmt.Errorf("%w: stock entry quantity must be positive", store.ErrInvalidInput)
	}
	product.StockQuantity += entry.Quantity
	product.UpdatedAt = entry.CreatedAt
	s.products[product.ID] = product
	s.stockEntries = append(s.stockEntries, entry)
	return &entry, product.StockQuantity, nil
}

func (s *Store) ListStockEntries(_ context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockEntry, 0, limit)
	for i := len(s.stockEntries) - 1; i >= 0; i-- {
		e := s.stockEntries[i]
		if productID != "" && e.ProductID != productID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- Sales ----

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.OfflineID != "" {
		if existingID, ok := s.saleIDByOffline[sale.OfflineID]; ok {
			existing := cloneSale(s.sales[existingID])
			return &existing, nil
		}
	}

	// Verify and debit stock before anything is written.
	for _, item := range sale.Items {
		product, ok := s.products[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
		}
		if product.StockQuantity < item.Quantity {
			return nil, fmt.Errorf("%w: %s has %d left, need %d",
				store.ErrInsufficientStock, product.Name, product.StockQuantity, item.Quantity)
		}
	}
	for _, item := range sale.Items {
		product := s.products[item.ProductID]
		product.StockQuantity -= item.Quantity
		product.UpdatedAt = sale.CreatedAt
		s.products[item.ProductID] = product
	}

	s.sales[sale.ID] = cloneSale(sale)
	if sale.OfflineID != "" {
		s.saleIDByOffline[sale.OfflineID] = sale.ID
	}
	for _, p := range sale.Payments {
		if p.CheckoutRequestID != "" {
			s.saleIDByCheckout[p.CheckoutRequestID] = sale.ID
		}
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) FindSaleByID(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) FindSaleByOfflineID(_ context.Context, offlineID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.saleIDByOffline[offlineID]
	if !ok {
		return nil, fmt.Errorf("%w: sale offline id %s", store.ErrNotFound, offlineID)
	}
	out := cloneSale(s.sales[id])
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, from, to time.Time, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		out = append(out, cloneSale(sale))
	}
	slices.SortFunc(out, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ApplyRefund(_ context.Context, plan store.RefundPlan) (*domain.RefundResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sales[plan.SaleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, plan.SaleID)
	}
	// Work on a copy so failed refunds leave the stored sale untouched.
	sale := cloneSale(stored)
	if sale.Status == domain.SaleStatusVoid {
		return nil, fmt.Errorf("%w: voided sale cannot be refunded", store.ErrInvalidSale)
	}

	refundedSoFar := int64(0)
	for _, r := range s.refundsBySale[sale.ID] {
		refundedSoFar += r.AmountCents
	}
	remaining := sale.TotalCents - refundedSoFar
	if remaining <= 0 {
		return nil, fmt.Errorf("%w: sale already fully refunded", store.ErrInvalidSale)
	}

	var (
		amount int64
		lines  []domain.RefundLine
	)
	if len(plan.Lines) > 0 {
		var err error
		amount, lines, err = refundByItems(&sale, plan.Lines)
		if err != nil {
			return nil, err
		}
		if amount > remaining {
			amount = remaining
		}
	} else {
		requested := plan.AmountCents
		if requested == 0 {
			requested = remaining
		}
		if requested > remaining {
			return nil, fmt.Errorf("%w: refund of %d exceeds remaining refundable %d",
				store.ErrInvalidSale, requested, remaining)
		}
		amount, lines = refundByAmount(&sale, requested)
	}

	for _, line := range lines {
		if product, ok := s.products[line.ProductID]; ok {
			product.StockQuantity += line.Quantity
			product.UpdatedAt = plan.At
			s.products[line.ProductID] = product
		}
	}

	refund := domain.Refund{
		ID:          xid.New("ref"),
		SaleID:      sale.ID,
		AmountCents: amount,
		Reason:      plan.Reason,
		RefundedBy:  plan.RefundedBy,
		Lines:       lines,
		CreatedAt:   plan.At,
	}
	s.refundsBySale[sale.ID] = append(s.refundsBySale[sale.ID], refund)
	refundedSoFar += amount

	if refundedSoFar >= sale.TotalCents {
		sale.Status = domain.SaleStatusRefunded
		sale.PaymentStatus = domain.PaymentStatusRefunded
		for i := range sale.Payments {
			sale.Payments[i].Status = domain.PaymentStatusRefunded
			sale.Payments[i].UpdatedAt = plan.At
		}
	}
	s.sales[sale.ID] = sale

	return &domain.RefundResponse{
		Refund:               refund,
		RefundedAmountCents:  refundedSoFar,
		RemainingAmountCents: sale.TotalCents - refundedSoFar,
	}, nil
}

// refundByItems shrinks the named sale items and returns the summed refund
// value plus stock-restoration lines. Line value is the item's current
// per-unit value (price plus proportional tax) times the returned quantity.
func refundByItems(sale *domain.Sale, reqs []domain.RefundItemRequest) (int64, []domain.RefundLine, error) {
	var total int64
	lines := make([]domain.RefundLine, 0, len(reqs))
	for _, req := range reqs {
		idx := -1
		for i := range sale.Items {
			if sale.Items[i].ID == req.SaleItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, nil, fmt.Errorf("%w: sale item %s not part of sale", store.ErrInvalidInput, req.SaleItemID)
		}
		item := &sale.Items[idx]
		if req.Quantity <= 0 || req.Quantity > item.Quantity {
			return 0, nil, fmt.Errorf("%w: refund quantity %d out of range for item %s (have %d)",
				store.ErrInvalidInput, req.Quantity, item.ID, item.Quantity)
		}
		value := item.UnitPriceCents*req.Quantity + item.TaxCents*req.Quantity/item.Quantity
		newQty := item.Quantity - req.Quantity
		if newQty == 0 {
			item.TaxCents = 0
		} else {
			item.TaxCents = item.TaxCents * newQty / item.Quantity
		}
		item.Quantity = newQty
		item.TotalCents = item.UnitPriceCents * newQty
		total += value
		lines = append(lines, domain.RefundLine{
			SaleItemID:  item.ID,
			ProductID:   item.ProductID,
			Quantity:    req.Quantity,
			AmountCents: value,
		})
	}
	return total, lines, nil
}

// refundByAmount restores floor(quantity * amount / total) units per item
// and records the requested amount as refunded. The floor remainder stays
// sold.
func refundByAmount(sale *domain.Sale, amount int64) (int64, []domain.RefundLine) {
	var lines []domain.RefundLine
	for i := range sale.Items {
		item := &sale.Items[i]
		if item.Quantity == 0 {
			continue
		}
		restore := item.Quantity * amount / sale.TotalCents
		if restore == 0 {
			continue
		}
		if restore > item.Quantity {
			restore = item.Quantity
		}
		value := item.UnitPriceCents*restore + item.TaxCents*restore/item.Quantity
		newQty := item.Quantity - restore
		if newQty == 0 {
			item.TaxCents = 0
		} else {
			item.TaxCents = item.TaxCents * newQty / item.Quantity
		}
		item.Quantity = newQty
		item.TotalCents = item.UnitPriceCents * newQty
		lines = append(lines, domain.RefundLine{
			SaleItemID:  item.ID,
			ProductID:   item.ProductID,
			Quantity:    restore,
			AmountCents: value,
		})
	}
	return amount, lines
}

func (s *Store) VoidSale(_ context.Context, saleID, reason, voidedBy string, at time.Time) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sales[saleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	sale := cloneSale(stored)
	switch sale.Status {
	case domain.SaleStatusVoid:
		return nil, fmt.Errorf("%w: sale already voided", store.ErrInvalidSale)
	case domain.SaleStatusRefunded:
		return nil, fmt.Errorf("%w: refunded sale cannot be voided", store.ErrInvalidSale)
	}

	// Restore only what is still on the sale; refunded units went back
	// to stock when the refund was applied.
	for _, item := range sale.Items {
		if item.Quantity == 0 {
			continue
		}
		if product, ok := s.products[item.ProductID]; ok {
			product.StockQuantity += item.Quantity
			product.UpdatedAt = at
			s.products[item.ProductID] = product
		}
	}

	voidedAt := at
	sale.Status = domain.SaleStatusVoid
	sale.VoidReason = reason
	sale.VoidedBy = voidedBy
	sale.VoidedAt = &voidedAt
	sale.PaymentStatus = domain.PaymentStatusFailed
	for i := range sale.Payments {
		sale.Payments[i].Status = domain.PaymentStatusFailed
		sale.Payments[i].UpdatedAt = at
	}
	s.sales[saleID] = sale

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListRefundsBySale(_ context.Context, saleID string) ([]domain.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refunds := s.refundsBySale[saleID]
	out := make([]domain.Refund, len(refunds))
	copy(out, refunds)
	return out, nil
}

// ---- Payments ----

func (s *Store) FindPaymentByCheckoutRequestID(_ context.Context, checkoutRequestID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	saleID, ok := s.saleIDByCheckout[checkoutRequestID]
	if !ok {
		return nil, fmt.Errorf("%w: payment for checkout request %s", store.ErrNotFound, checkoutRequestID)
	}
	sale := s.sales[saleID]
	for _, p := range sale.Payments {
		if p.CheckoutRequestID == checkoutRequestID {
			payment := p
			return &payment, nil
		}
	}
	return nil, fmt.Errorf("%w: payment for checkout request %s", store.ErrNotFound, checkoutRequestID)
}

func (s *Store) UpdatePayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[payment.SaleID]
	if !ok {
		return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, payment.SaleID)
	}
	for i := range sale.Payments {
		if sale.Payments[i].ID == payment.ID {
			sale.Payments[i] = payment
			if payment.CheckoutRequestID != "" {
				s.saleIDByCheckout[payment.CheckoutRequestID] = sale.ID
			}
			s.sales[sale.ID] = sale
			out := payment
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: payment %s", store.ErrNotFound, payment.ID)
}

func (s *Store) UpdateSalePaymentStatus(_ context.Context, saleID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[saleID]
	if !ok {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	sale.PaymentStatus = status
	s.sales[saleID] = sale
	return nil
}

// ---- Offline sync queue ----

func (s *Store) EnqueueSyncItem(_ context.Context, item domain.OfflineSyncItem) (*domain.OfflineSyncItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.syncItems[item.ID]; ok {
		// A completed item stays as-is so a resent batch cannot replay
		// its effects; otherwise the retry count survives resubmission
		// so max retries still bites.
		if existing.Status == domain.SyncStatusCompleted {
			out := existing
			return &out, nil
		}
		item.RetryCount = existing.RetryCount
		item.CreatedAt = existing.CreatedAt
	}
	s.syncItems[item.ID] = item
	out := item
	return &out, nil
}

func (s *Store) UpdateSyncItem(_ context.Context, item domain.OfflineSyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.syncItems[item.ID]; !ok {
		return fmt.Errorf("%w: sync item %s", store.ErrNotFound, item.ID)
	}
	s.syncItems[item.ID] = item
	return nil
}

func (s *Store) ListPendingSyncItems(_ context.Context, limit int) ([]domain.OfflineSyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OfflineSyncItem, 0)
	for _, item := range s.syncItems {
		if item.Status == domain.SyncStatusCompleted {
			continue
		}
		if item.RetryCount >= item.MaxRetries {
			continue
		}
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b domain.OfflineSyncItem) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeCompletedSyncItems(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, item := range s.syncItems {
		if item.Status != domain.SyncStatusCompleted {
			continue
		}
		at := item.CreatedAt
		if item.ProcessedAt != nil {
			at = *item.ProcessedAt
		}
		if at.Before(before) {
			delete(s.syncItems, id)
			purged++
		}
	}
	return purged, nil
}

// ---- Audit ----

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityType string, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ---- Reporting ----

func (s *Store) GetDailyReport(_ context.Context, from, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report := domain.DailyReport{
		Date:            from.Format("2006-01-02"),
		MethodBreakdown: map[string]int64{},
	}
	for _, sale := range s.sales {
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		if sale.Status == domain.SaleStatusVoid {
			report.VoidedCount++
			continue
		}
		report.SalesCount++
		report.GrossCents += sale.TotalCents
		report.TaxCents += sale.TaxCents
		report.MethodBreakdown[sale.PaymentMethod] += sale.TotalCents
		for _, r := range s.refundsBySale[sale.ID] {
			report.RefundedCents += r.AmountCents
		}
	}
	report.NetCents = report.GrossCents - report.RefundedCents
	return report, nil
}

// ---- Users ----

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
	}
	out := u
	return &out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.Username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrInvalidInput, user.Username)
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.User) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }

// ---- clone helpers ----

func cloneProduct(p domain.Product) domain.Product {
	out := p
	out.WholesaleTiers = make([]domain.WholesaleTier, len(p.WholesaleTiers))
	copy(out.WholesaleTiers, p.WholesaleTiers)
	return out
}

func cloneSale(sale domain.Sale) domain.Sale {
	out := sale
	out.Items = make([]domain.SaleItem, len(sale.Items))
	copy(out.Items, sale.Items)
	out.Payments = make([]domain.Payment, len(sale.Payments))
	copy(out.Payments, sale.Payments)
	if sale.VoidedAt != nil {
		at := *sale.VoidedAt
		out.VoidedAt = &at
	}
	return out
}
