// Package postgres implements the Repository on PostgreSQL via the pgx
// stdlib driver. Multi-step mutations run in serializable transactions
// with the affected rows locked FOR UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

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

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so loaders can run inside
// or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ---- Catalog ----

const productColumns = `id, sku, name, COALESCE(category_id, ''), COALESCE(supplier_id, ''),
	cost_price_cents, retail_price_cents, stock_quantity, min_stock, max_stock,
	vat_status, active, created_at, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.CategoryID, &p.SupplierID,
		&p.CostPriceCents, &p.RetailPriceCents, &p.StockQuantity, &p.MinStock, &p.MaxStock,
		&p.VATStatus, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE active = true ORDER BY name`
	if includeInactive {
		query = `SELECT ` + productColumns + ` FROM products ORDER BY name`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	ids := make([]string, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tiers, err := s.loadTiers(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range products {
		products[i].WholesaleTiers = tiers[products[i].ID]
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.findProduct(ctx, "id", id)
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	return s.findProduct(ctx, "sku", sku)
}

func (s *Store) findProduct(ctx context.Context, column string, value string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE `+column+` = $1`, value)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s %s", store.ErrNotFound, column, value)
		}
		return nil, err
	}
	tiers, err := s.loadTiers(ctx, s.db, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.WholesaleTiers = tiers[p.ID]
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tiers, err := s.loadTiers(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for id, p := range result {
		p.WholesaleTiers = tiers[id]
		result[id] = p
	}
	return result, nil
}

func (s *Store) loadTiers(ctx context.Context, q dbtx, productIDs []string) (map[string][]domain.WholesaleTier, error) {
	out := make(map[string][]domain.WholesaleTier, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, min_quantity, price_cents
		FROM wholesale_tiers
		WHERE product_id = ANY($1)
		ORDER BY product_id, min_quantity
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.WholesaleTier
		if err := rows.Scan(&t.ID, &t.ProductID, &t.MinQuantity, &t.PriceCents); err != nil {
			return nil, err
		}
		out[t.ProductID] = append(out[t.ProductID], t)
	}
	return out, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (
			id, sku, name, category_id, supplier_id,
			cost_price_cents, retail_price_cents, stock_quantity, min_stock, max_stock,
			vat_status, active, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, product.ID, product.SKU, product.Name, nullIfEmpty(product.CategoryID), nullIfEmpty(product.SupplierID),
		product.CostPriceCents, product.RetailPriceCents, product.StockQuantity, product.MinStock, product.MaxStock,
		product.VATStatus, product.Active, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
		}
		return nil, err
	}

	if err := replaceTiers(ctx, tx, product.ID, product.WholesaleTiers); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Stock and SKU are owned by sale/refund/stock-entry paths, never by
	// updates; they stay as stored.
	row := tx.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, category_id = $3, supplier_id = $4,
			cost_price_cents = $5, retail_price_cents = $6,
			min_stock = $7, max_stock = $8, vat_status = $9, active = $10,
			updated_at = $11
		WHERE id = $1
		RETURNING sku, stock_quantity, created_at
	`, product.ID, product.Name, nullIfEmpty(product.CategoryID), nullIfEmpty(product.SupplierID),
		product.CostPriceCents, product.RetailPriceCents,
		product.MinStock, product.MaxStock, product.VATStatus, product.Active,
		product.UpdatedAt)
	if err := row.Scan(&product.SKU, &product.StockQuantity, &product.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, product.ID)
		}
		return nil, err
	}

	if err := replaceTiers(ctx, tx, product.ID, product.WholesaleTiers); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()
	updated := product
	return &updated, nil
}

func replaceTiers(ctx context.Context, tx *sql.Tx, productID string, tiers []domain.WholesaleTier) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM wholesale_tiers WHERE product_id = $1`, productID); err != nil {
		return err
	}
	for _, tier := range tiers {
		if tier.ID == "" {
			tier.ID = xid.New("tier")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wholesale_tiers (id, product_id, min_quantity, price_cents)
			VALUES ($1,$2,$3,$4)
		`, tier.ID, productID, tier.MinQuantity, tier.PriceCents)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, description, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
	`, category.ID, category.Name, category.Description, category.CreatedAt, category.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: category %s already exists", store.ErrInvalidInput, category.Name)
		}
		return nil, err
	}
	return &category, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), created_at, updated_at
		FROM categories
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 32)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, email, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, supplier.ID, supplier.Name, nullIfEmpty(supplier.Phone), nullIfEmpty(supplier.Email),
		supplier.Active, supplier.CreatedAt, supplier.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: supplier %s already exists", store.ErrInvalidInput, supplier.Name)
		}
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(phone, ''), COALESCE(email, ''), active, created_at, updated_at
		FROM suppliers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var sp domain.Supplier
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.Phone, &sp.Email, &sp.Active, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sp)
	}
	return suppliers, rows.Err()
}

// ---- Inventory ----

func (s *Store) ApplyStockEntry(ctx context.Context, entry domain.StockEntry) (*domain.StockEntry, int64, error) {
	if entry.Quantity <= 0 {
		return nil, 0, fmt.Errorf("%w: stock entry quantity must be positive", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var stockAfter int64
	err = tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2, updated_at = $3
		WHERE id = $1
		RETURNING stock_quantity
	`, entry.ProductID, entry.Quantity, entry.CreatedAt).Scan(&stockAfter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, fmt.Errorf("%w: product %s", store.ErrNotFound, entry.ProductID)
		}
		return nil, 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stock_entries (id, product_id, quantity, supplier_id, buying_price_cents, note, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ProductID, entry.Quantity, nullIfEmpty(entry.SupplierID),
		entry.BuyingPriceCents, entry.Note, entry.RecordedBy, entry.CreatedAt)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return &entry, stockAfter, nil
}

func (s *Store) ListStockEntries(ctx context.Context, productID string, limit int) ([]domain.StockEntry, error) {
	if limit < 1 {
		limit = 50
	}
	query := `
		SELECT id, product_id, quantity, COALESCE(supplier_id, ''), buying_price_cents, note, recorded_by, created_at
		FROM stock_entries`
	args := []any{limit}
	if productID != "" {
		query += ` WHERE product_id = $2`
		args = append(args, productID)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockEntry, 0, limit)
	for rows.Next() {
		var e domain.StockEntry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.Quantity, &e.SupplierID,
			&e.BuyingPriceCents, &e.Note, &e.RecordedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- Sales ----

const saleColumns = `id, sale_number, cashier, subtotal_cents, tax_cents, discount_cents,
	total_cents, paid_cents, change_cents, payment_method, payment_status, status,
	COALESCE(offline_id, ''), COALESCE(void_reason, ''), COALESCE(voided_by, ''), voided_at, created_at`

func scanSale(row interface{ Scan(...any) error }) (domain.Sale, error) {
	var sale domain.Sale
	var voidedAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.SaleNumber, &sale.Cashier,
		&sale.SubtotalCents, &sale.TaxCents, &sale.DiscountCents,
		&sale.TotalCents, &sale.PaidCents, &sale.ChangeCents,
		&sale.PaymentMethod, &sale.PaymentStatus, &sale.Status,
		&sale.OfflineID, &sale.VoidReason, &sale.VoidedBy, &voidedAt, &sale.CreatedAt)
	if err != nil {
		return domain.Sale{}, err
	}
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, fmt.Errorf("%w: sale has no items", store.ErrInvalidInput)
	}

	if sale.OfflineID != "" {
		existing, err := s.FindSaleByOfflineID(ctx, sale.OfflineID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	productIDs := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		productIDs = append(productIDs, item.ProductID)
	}

	stockRows, err := tx.QueryContext(ctx, `
		SELECT id, name, stock_quantity
		FROM products
		WHERE id = ANY($1)
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	type stockState struct {
		name string
		qty  int64
	}
	stockMap := make(map[string]stockState, len(productIDs))
	for stockRows.Next() {
		var id, name string
		var qty int64
		if err := stockRows.Scan(&id, &name, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[id] = stockState{name: name, qty: qty}
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	// Verify and debit stock before anything is written.
	for _, item := range sale.Items {
		state, ok := stockMap[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
		}
		if state.qty < item.Quantity {
			return nil, fmt.Errorf("%w: %s has %d left, need %d",
				store.ErrInsufficientStock, state.name, state.qty, item.Quantity)
		}
	}
	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity - $2, updated_at = $3
			WHERE id = $1
		`, item.ProductID, item.Quantity, sale.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, sale_number, cashier, subtotal_cents, tax_cents, discount_cents,
			total_cents, paid_cents, change_cents, payment_method, payment_status,
			status, offline_id, void_reason, voided_by, voided_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, sale.ID, sale.SaleNumber, sale.Cashier, sale.SubtotalCents, sale.TaxCents, sale.DiscountCents,
		sale.TotalCents, sale.PaidCents, sale.ChangeCents, sale.PaymentMethod, sale.PaymentStatus,
		sale.Status, nullIfEmpty(sale.OfflineID), nullIfEmpty(sale.VoidReason), nullIfEmpty(sale.VoidedBy),
		nullTime(sale.VoidedAt), sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && sale.OfflineID != "" {
			// Two tills raced on the same offline sale; the first write wins.
			existing, lookupErr := s.FindSaleByOfflineID(ctx, sale.OfflineID)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, product_id, product_name, quantity, unit_price_cents, tax_cents, total_cents, wholesale_tier_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, sale.ID, item.ProductID, item.ProductName, item.Quantity,
			item.UnitPriceCents, item.TaxCents, item.TotalCents, nullIfEmpty(item.WholesaleTierID))
		if err != nil {
			return nil, err
		}
	}
	for _, payment := range sale.Payments {
		if err := insertPayment(ctx, tx, payment); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := sale
	return &created, nil
}

func insertPayment(ctx context.Context, q dbtx, payment domain.Payment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payments (
			id, sale_id, amount_cents, method, status, phone_number,
			merchant_request_id, checkout_request_id, mpesa_receipt, failure_reason,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, payment.ID, payment.SaleID, payment.AmountCents, payment.Method, payment.Status,
		nullIfEmpty(payment.PhoneNumber), nullIfEmpty(payment.MerchantRequestID),
		nullIfEmpty(payment.CheckoutRequestID), nullIfEmpty(payment.MpesaReceipt),
		nullIfEmpty(payment.FailureReason), payment.CreatedAt, payment.UpdatedAt)
	return err
}

func (s *Store) FindSaleByID(ctx context.Context, id string) (*domain.Sale, error) {
	return s.findSale(ctx, s.db, "id", id)
}

func (s *Store) FindSaleByOfflineID(ctx context.Context, offlineID string) (*domain.Sale, error) {
	return s.findSale(ctx, s.db, "offline_id", offlineID)
}

func (s *Store) findSale(ctx context.Context, q dbtx, column string, value string) (*domain.Sale, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE `+column+` = $1`, value)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s %s", store.ErrNotFound, column, value)
		}
		return nil, err
	}
	if err := s.attachSaleChildren(ctx, q, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) attachSaleChildren(ctx context.Context, q dbtx, sale *domain.Sale) error {
	items, err := loadSaleItems(ctx, q, sale.ID, false)
	if err != nil {
		return err
	}
	sale.Items = items

	payments, err := loadSalePayments(ctx, q, sale.ID)
	if err != nil {
		return err
	}
	sale.Payments = payments
	return nil
}

func loadSaleItems(ctx context.Context, q dbtx, saleID string, forUpdate bool) ([]domain.SaleItem, error) {
	query := `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price_cents, tax_cents, total_cents, COALESCE(wholesale_tier_id, '')
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.UnitPriceCents, &item.TaxCents, &item.TotalCents, &item.WholesaleTierID); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func loadSalePayments(ctx context.Context, q dbtx, saleID string) ([]domain.Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, amount_cents, method, status, COALESCE(phone_number, ''),
			COALESCE(merchant_request_id, ''), COALESCE(checkout_request_id, ''),
			COALESCE(mpesa_receipt, ''), COALESCE(failure_reason, ''), created_at, updated_at
		FROM payments
		WHERE sale_id = $1
		ORDER BY created_at
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 2)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.SaleID, &p.AmountCents, &p.Method, &p.Status, &p.PhoneNumber,
			&p.MerchantRequestID, &p.CheckoutRequestID, &p.MpesaReceipt, &p.FailureReason,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) ListSales(ctx context.Context, from, to time.Time, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		if err := s.attachSaleChildren(ctx, s.db, &sales[i]); err != nil {
			return nil, err
		}
	}
	return sales, nil
}

func (s *Store) ApplyRefund(ctx context.Context, plan store.RefundPlan) (*domain.RefundResponse, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, plan.SaleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, plan.SaleID)
		}
		return nil, err
	}
	if sale.Status == domain.SaleStatusVoid {
		return nil, fmt.Errorf("%w: voided sale cannot be refunded", store.ErrInvalidSale)
	}

	sale.Items, err = loadSaleItems(ctx, tx, sale.ID, true)
	if err != nil {
		return nil, err
	}

	var refundedSoFar int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0) FROM refunds WHERE sale_id = $1`, sale.ID).Scan(&refundedSoFar)
	if err != nil {
		return nil, err
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

	for _, item := range sale.Items {
		_, err := tx.ExecContext(ctx, `
			UPDATE sale_items
			SET quantity = $2, tax_cents = $3, total_cents = $4
			WHERE id = $1
		`, item.ID, item.Quantity, item.TaxCents, item.TotalCents)
		if err != nil {
			return nil, err
		}
	}
	for _, line := range lines {
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity + $2, updated_at = $3
			WHERE id = $1
		`, line.ProductID, line.Quantity, plan.At)
		if err != nil {
			return nil, err
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
	linesJSON, err := json.Marshal(refund.Lines)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (id, sale_id, amount_cents, reason, refunded_by, lines, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, refund.ID, refund.SaleID, refund.AmountCents, refund.Reason, refund.RefundedBy, linesJSON, refund.CreatedAt)
	if err != nil {
		return nil, err
	}

	refundedSoFar += amount
	if refundedSoFar >= sale.TotalCents {
		_, err = tx.ExecContext(ctx, `
			UPDATE sales SET status = $2, payment_status = $3 WHERE id = $1
		`, sale.ID, domain.SaleStatusRefunded, domain.PaymentStatusRefunded)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE payments SET status = $2, updated_at = $3 WHERE sale_id = $1
		`, sale.ID, domain.PaymentStatusRefunded, plan.At)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
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

func (s *Store) VoidSale(ctx context.Context, saleID, reason, voidedBy string, at time.Time) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, saleID)
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
		}
		return nil, err
	}
	switch sale.Status {
	case domain.SaleStatusVoid:
		return nil, fmt.Errorf("%w: sale already voided", store.ErrInvalidSale)
	case domain.SaleStatusRefunded:
		return nil, fmt.Errorf("%w: refunded sale cannot be voided", store.ErrInvalidSale)
	}

	sale.Items, err = loadSaleItems(ctx, tx, sale.ID, true)
	if err != nil {
		return nil, err
	}

	// Restore only what is still on the sale; refunded units went back
	// to stock when the refund was applied.
	for _, item := range sale.Items {
		if item.Quantity == 0 {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity + $2, updated_at = $3
			WHERE id = $1
		`, item.ProductID, item.Quantity, at)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, void_reason = $3, voided_by = $4, voided_at = $5, payment_status = $6
		WHERE id = $1
	`, sale.ID, domain.SaleStatusVoid, reason, voidedBy, at, domain.PaymentStatusFailed)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = $2, updated_at = $3 WHERE sale_id = $1
	`, sale.ID, domain.PaymentStatusFailed, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
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
	return &sale, nil
}

func (s *Store) ListRefundsBySale(ctx context.Context, saleID string) ([]domain.Refund, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, amount_cents, reason, refunded_by, lines, created_at
		FROM refunds
		WHERE sale_id = $1
		ORDER BY created_at
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refunds := make([]domain.Refund, 0, 4)
	for rows.Next() {
		var r domain.Refund
		var linesJSON []byte
		if err := rows.Scan(&r.ID, &r.SaleID, &r.AmountCents, &r.Reason, &r.RefundedBy, &linesJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(linesJSON) > 0 {
			if err := json.Unmarshal(linesJSON, &r.Lines); err != nil {
				return nil, err
			}
		}
		r.CreatedAt = r.CreatedAt.UTC()
		refunds = append(refunds, r)
	}
	return refunds, rows.Err()
}

// ---- Payments ----

func (s *Store) FindPaymentByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Payment, error) {
	var p domain.Payment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, amount_cents, method, status, COALESCE(phone_number, ''),
			COALESCE(merchant_request_id, ''), COALESCE(checkout_request_id, ''),
			COALESCE(mpesa_receipt, ''), COALESCE(failure_reason, ''), created_at, updated_at
		FROM payments
		WHERE checkout_request_id = $1
	`, checkoutRequestID).Scan(&p.ID, &p.SaleID, &p.AmountCents, &p.Method, &p.Status, &p.PhoneNumber,
		&p.MerchantRequestID, &p.CheckoutRequestID, &p.MpesaReceipt, &p.FailureReason,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment for checkout request %s", store.ErrNotFound, checkoutRequestID)
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET amount_cents = $2, method = $3, status = $4, phone_number = $5,
			merchant_request_id = $6, checkout_request_id = $7, mpesa_receipt = $8,
			failure_reason = $9, updated_at = $10
		WHERE id = $1
	`, payment.ID, payment.AmountCents, payment.Method, payment.Status, nullIfEmpty(payment.PhoneNumber),
		nullIfEmpty(payment.MerchantRequestID), nullIfEmpty(payment.CheckoutRequestID),
		nullIfEmpty(payment.MpesaReceipt), nullIfEmpty(payment.FailureReason), payment.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: payment %s", store.ErrNotFound, payment.ID)
	}
	updated := payment
	return &updated, nil
}

func (s *Store) UpdateSalePaymentStatus(ctx context.Context, saleID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sales SET payment_status = $2 WHERE id = $1`, saleID, status)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: sale %s", store.ErrNotFound, saleID)
	}
	return nil
}

// ---- Offline sync queue ----

func (s *Store) EnqueueSyncItem(ctx context.Context, item domain.OfflineSyncItem) (*domain.OfflineSyncItem, error) {
	// A resubmitted item keeps its retry count so max retries still bites.
	// Completed rows are left untouched so a resent batch cannot replay
	// their effects; the stored row is handed back instead.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_items (id, type, payload, status, retry_count, max_retries, last_error, created_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE
		SET type = EXCLUDED.type, payload = EXCLUDED.payload, status = EXCLUDED.status,
			max_retries = EXCLUDED.max_retries, last_error = EXCLUDED.last_error,
			processed_at = EXCLUDED.processed_at
		WHERE sync_items.status <> $10
		RETURNING retry_count, created_at
	`, item.ID, item.Type, []byte(item.Payload), item.Status, item.RetryCount, item.MaxRetries,
		nullIfEmpty(item.LastError), item.CreatedAt, nullTime(item.ProcessedAt),
		domain.SyncStatusCompleted)
	if err := row.Scan(&item.RetryCount, &item.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.getSyncItem(ctx, item.ID)
		}
		return nil, err
	}
	item.CreatedAt = item.CreatedAt.UTC()
	out := item
	return &out, nil
}

func (s *Store) getSyncItem(ctx context.Context, id string) (*domain.OfflineSyncItem, error) {
	var item domain.OfflineSyncItem
	var payload []byte
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload, status, retry_count, max_retries, COALESCE(last_error, ''), created_at, processed_at
		FROM sync_items
		WHERE id = $1
	`, id).Scan(&item.ID, &item.Type, &payload, &item.Status, &item.RetryCount,
		&item.MaxRetries, &item.LastError, &item.CreatedAt, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: sync item %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if processedAt.Valid {
		at := processedAt.Time.UTC()
		item.ProcessedAt = &at
	}
	item.CreatedAt = item.CreatedAt.UTC()
	return &item, nil
}

func (s *Store) UpdateSyncItem(ctx context.Context, item domain.OfflineSyncItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_items
		SET status = $2, retry_count = $3, last_error = $4, processed_at = $5
		WHERE id = $1
	`, item.ID, item.Status, item.RetryCount, nullIfEmpty(item.LastError), nullTime(item.ProcessedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: sync item %s", store.ErrNotFound, item.ID)
	}
	return nil
}

func (s *Store) ListPendingSyncItems(ctx context.Context, limit int) ([]domain.OfflineSyncItem, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, payload, status, retry_count, max_retries, COALESCE(last_error, ''), created_at, processed_at
		FROM sync_items
		WHERE status <> $1 AND retry_count < max_retries
		ORDER BY created_at
		LIMIT $2
	`, domain.SyncStatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OfflineSyncItem, 0, limit)
	for rows.Next() {
		var item domain.OfflineSyncItem
		var payload []byte
		var processedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.Type, &payload, &item.Status, &item.RetryCount,
			&item.MaxRetries, &item.LastError, &item.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		item.Payload = json.RawMessage(payload)
		if processedAt.Valid {
			at := processedAt.Time.UTC()
			item.ProcessedAt = &at
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) PurgeCompletedSyncItems(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_items
		WHERE status = $1 AND COALESCE(processed_at, created_at) < $2
	`, domain.SyncStatusCompleted, before)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// ---- Audit ----

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, actor, actor_role, before_data, after_data, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.Actor,
		nullIfEmpty(entry.ActorRole), nullIfEmpty(entry.BeforeData), nullIfEmpty(entry.AfterData),
		nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, entityType string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	query := `
		SELECT id, action, entity_type, entity_id, actor, COALESCE(actor_role, ''),
			COALESCE(before_data, ''), COALESCE(after_data, ''), COALESCE(detail, ''), created_at
		FROM audit_logs`
	args := []any{limit}
	if entityType != "" {
		query += ` WHERE entity_type = $2`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Actor,
			&entry.ActorRole, &entry.BeforeData, &entry.AfterData, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ---- Reporting ----

func (s *Store) GetDailyReport(ctx context.Context, from, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{
		Date:            from.Format("2006-01-02"),
		MethodBreakdown: map[string]int64{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status <> $3),
			COALESCE(SUM(total_cents) FILTER (WHERE status <> $3), 0),
			COALESCE(SUM(tax_cents) FILTER (WHERE status <> $3), 0),
			COUNT(*) FILTER (WHERE status = $3)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2
	`, from, to, domain.SaleStatusVoid).Scan(&report.SalesCount, &report.GrossCents, &report.TaxCents, &report.VoidedCount)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.amount_cents), 0)
		FROM refunds r
		JOIN sales s ON s.id = r.sale_id
		WHERE s.created_at >= $1 AND s.created_at < $2 AND s.status <> $3
	`, from, to, domain.SaleStatusVoid).Scan(&report.RefundedCents)
	if err != nil {
		return report, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(total_cents), 0)
		FROM sales
		WHERE created_at >= $1 AND created_at < $2 AND status <> $3
		GROUP BY payment_method
	`, from, to, domain.SaleStatusVoid)
	if err != nil {
		return report, err
	}
	defer rows.Close()
	for rows.Next() {
		var method string
		var total int64
		if err := rows.Scan(&method, &total); err != nil {
			return report, err
		}
		report.MethodBreakdown[method] = total
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	report.NetCents = report.GrossCents - report.RefundedCents
	return report, nil
}

// ---- Users ----

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, COALESCE(display_name, ''), role, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", store.ErrNotFound, username)
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, display_name, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.PasswordHash, nullIfEmpty(user.DisplayName), user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already exists", store.ErrInvalidInput, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, COALESCE(display_name, ''), role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.DisplayName, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
