package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// CreateSale prices the cart, checks stock and records the sale with its
// payment in one atomic store operation. Replays carrying an offline id
// that already exists return the stored sale unchanged.
func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (*domain.CreateSaleResponse, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: sale needs at least one item", store.ErrInvalidInput)
	}
	if req.DiscountCents < 0 || req.PaidCents < 0 {
		return nil, fmt.Errorf("%w: negative amounts are not allowed", store.ErrInvalidInput)
	}
	switch req.PaymentMethod {
	case domain.PaymentMethodCash, domain.PaymentMethodMpesa:
	default:
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidInput, req.PaymentMethod)
	}

	if req.OfflineID != "" {
		existing, err := s.repo.FindSaleByOfflineID(ctx, req.OfflineID)
		if err == nil {
			return &domain.CreateSaleResponse{Sale: *existing, Duplicate: true}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity must be positive for product %s", store.ErrInvalidInput, item.ProductID)
		}
		ids = append(ids, item.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	at := s.now()
	if req.RecordedAt != nil {
		at = req.RecordedAt.UTC()
	}

	saleID := xid.New("sale")
	var (
		items         []domain.SaleItem
		subtotalCents int64
		taxCents      int64
	)
	for _, line := range req.Items {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, line.ProductID)
		}
		if !product.Active {
			return nil, fmt.Errorf("%w: product %s is inactive", store.ErrInvalidInput, product.Name)
		}
		if product.StockQuantity < line.Quantity {
			return nil, fmt.Errorf("%w: %s has %d left, need %d",
				store.ErrInsufficientStock, product.Name, product.StockQuantity, line.Quantity)
		}

		unitPrice, tierID, err := resolveUnitPrice(product, line)
		if err != nil {
			return nil, err
		}
		itemTotal := unitPrice * line.Quantity
		itemTax := itemTax(product.VATStatus, itemTotal)

		items = append(items, domain.SaleItem{
			ID:              xid.New("item"),
			SaleID:          saleID,
			ProductID:       product.ID,
			ProductName:     product.Name,
			Quantity:        line.Quantity,
			UnitPriceCents:  unitPrice,
			TaxCents:        itemTax,
			TotalCents:      itemTotal,
			WholesaleTierID: tierID,
		})
		subtotalCents += itemTotal
		taxCents += itemTax
	}

	if req.DiscountCents > subtotalCents+taxCents {
		return nil, fmt.Errorf("%w: discount exceeds sale value", store.ErrInvalidInput)
	}
	totalCents := subtotalCents + taxCents - req.DiscountCents

	paymentStatus := domain.PaymentStatusCompleted
	paidCents := req.PaidCents
	changeCents := int64(0)
	switch req.PaymentMethod {
	case domain.PaymentMethodCash:
		if paidCents < totalCents {
			return nil, fmt.Errorf("%w: paid %d below total %d", store.ErrInvalidInput, paidCents, totalCents)
		}
		changeCents = paidCents - totalCents
	case domain.PaymentMethodMpesa:
		// Awaits the STK callback before money is confirmed.
		paymentStatus = domain.PaymentStatusPending
		paidCents = totalCents
	}

	sale := domain.Sale{
		ID:            saleID,
		SaleNumber:    newSaleNumber(at),
		Cashier:       actorUsername(ctx),
		Items:         items,
		SubtotalCents: subtotalCents,
		TaxCents:      taxCents,
		DiscountCents: req.DiscountCents,
		TotalCents:    totalCents,
		PaidCents:     paidCents,
		ChangeCents:   changeCents,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: paymentStatus,
		Status:        domain.SaleStatusCompleted,
		OfflineID:     req.OfflineID,
		CreatedAt:     at,
		Payments: []domain.Payment{{
			ID:          xid.New("pay"),
			SaleID:      saleID,
			AmountCents: totalCents,
			Method:      req.PaymentMethod,
			Status:      paymentStatus,
			PhoneNumber: req.PhoneNumber,
			CreatedAt:   at,
			UpdatedAt:   at,
		}},
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return nil, err
	}
	// The store hands back a previously stored sale when two replays of
	// the same offline id race past the lookup above.
	duplicate := created.ID != saleID
	if !duplicate {
		s.logAudit(ctx, "SALE_CREATED", "sale", created.ID, nil, created,
			fmt.Sprintf("number=%s total=%d method=%s", created.SaleNumber, created.TotalCents, created.PaymentMethod))
	}
	return &domain.CreateSaleResponse{Sale: *created, Duplicate: duplicate}, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return s.repo.FindSaleByID(ctx, id)
}

func (s *Service) ListSales(ctx context.Context, from, to time.Time, limit int) ([]domain.Sale, error) {
	if to.IsZero() {
		to = s.now().Add(time.Minute)
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSales(ctx, from, to, limit)
}

// resolveUnitPrice picks the retail price unless the caller selected a
// wholesale tier. Only the named tier is considered; a selection whose
// quantity does not reach the tier minimum falls back to retail.
func resolveUnitPrice(product domain.Product, line domain.SaleItemRequest) (int64, string, error) {
	if line.WholesaleTierID == "" {
		return product.RetailPriceCents, "", nil
	}
	for _, tier := range product.WholesaleTiers {
		if tier.ID != line.WholesaleTierID {
			continue
		}
		if line.Quantity >= tier.MinQuantity {
			return tier.PriceCents, tier.ID, nil
		}
		return product.RetailPriceCents, "", nil
	}
	return 0, "", fmt.Errorf("%w: wholesale tier %s does not belong to product %s",
		store.ErrInvalidInput, line.WholesaleTierID, product.Name)
}

// itemTax applies VAT to exclusive-priced items only; inclusive prices
// already carry it and exempt items have none.
func itemTax(vatStatus string, itemTotalCents int64) int64 {
	if vatStatus != domain.VATExclusive {
		return 0
	}
	return (itemTotalCents*domain.VATRatePercent + 50) / 100
}

func newSaleNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("POS-%s-%s", at.Format("20060102"), suffix)
}

func actorUsername(ctx context.Context) string {
	if actor, ok := ActorFromContext(ctx); ok {
		return actor.Username
	}
	return "system"
}

// ---- M-Pesa ----

var phoneDigits = regexp.MustCompile(`^[0-9]+$`)

// normalizePhone converts Kenyan MSISDN forms (07…, +2547…, 2547…) to the
// 2547XXXXXXXX form Daraja expects.
func normalizePhone(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimPrefix(p, "+")
	switch {
	case strings.HasPrefix(p, "0") && len(p) == 10:
		p = "254" + p[1:]
	case strings.HasPrefix(p, "254") && len(p) == 12:
	case strings.HasPrefix(p, "7") && len(p) == 9:
		p = "254" + p
	default:
		return "", fmt.Errorf("%w: unrecognized phone number %q", store.ErrInvalidInput, raw)
	}
	if !phoneDigits.MatchString(p) {
		return "", fmt.Errorf("%w: phone number %q contains non-digits", store.ErrInvalidInput, raw)
	}
	return p, nil
}

// InitiateSTKPush asks the gateway to prompt the customer's phone for the
// sale's outstanding amount and pins the gateway request ids onto the
// payment so the callback can find it.
func (s *Service) InitiateSTKPush(ctx context.Context, req domain.STKPushRequest) (*domain.STKPushResponse, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: mpesa gateway not configured", store.ErrDependency)
	}
	sale, err := s.repo.FindSaleByID(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}
	if sale.PaymentMethod != domain.PaymentMethodMpesa {
		return nil, fmt.Errorf("%w: sale %s is not an mpesa sale", store.ErrInvalidSale, sale.ID)
	}
	if sale.PaymentStatus != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: sale %s payment is %s", store.ErrInvalidSale, sale.ID, sale.PaymentStatus)
	}
	if len(sale.Payments) == 0 {
		return nil, fmt.Errorf("%w: sale %s has no payment record", store.ErrInvalidSale, sale.ID)
	}
	phone, err := normalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	result, err := s.gateway.InitiateSTKPush(ctx, STKPush{
		PhoneNumber:      phone,
		AmountCents:      sale.TotalCents,
		AccountReference: sale.SaleNumber,
		Description:      "POS sale " + sale.SaleNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stk push: %v", store.ErrDependency, err)
	}

	payment := sale.Payments[0]
	payment.PhoneNumber = phone
	payment.MerchantRequestID = result.MerchantRequestID
	payment.CheckoutRequestID = result.CheckoutRequestID
	payment.UpdatedAt = s.now()
	if _, err := s.repo.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}

	s.logAudit(ctx, "MPESA_STK_INITIATED", "payment", payment.ID, nil, payment,
		fmt.Sprintf("sale=%s checkout_request=%s", sale.ID, result.CheckoutRequestID))
	return &domain.STKPushResponse{
		MerchantRequestID: result.MerchantRequestID,
		CheckoutRequestID: result.CheckoutRequestID,
		CustomerMessage:   result.CustomerMessage,
	}, nil
}

// HandleMpesaCallback settles the payment referenced by the callback.
// Unknown or already-settled payments are acknowledged without effect so
// Safaricom's retries stay harmless.
func (s *Service) HandleMpesaCallback(ctx context.Context, event MpesaCallbackEvent) error {
	payment, err := s.repo.FindPaymentByCheckoutRequestID(ctx, event.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.WithField("checkout_request", event.CheckoutRequestID).
				Warn("mpesa callback for unknown payment")
			return nil
		}
		return err
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil
	}

	before := *payment
	saleStatus := domain.PaymentStatusFailed
	if event.Success() {
		payment.Status = domain.PaymentStatusCompleted
		payment.MpesaReceipt = event.ReceiptNumber
		if event.PhoneNumber != "" {
			payment.PhoneNumber = event.PhoneNumber
		}
		saleStatus = domain.PaymentStatusCompleted
	} else {
		payment.Status = domain.PaymentStatusFailed
		payment.FailureReason = event.ResultDesc
	}
	payment.UpdatedAt = s.now()

	updated, err := s.repo.UpdatePayment(ctx, *payment)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateSalePaymentStatus(ctx, payment.SaleID, saleStatus); err != nil {
		return err
	}

	s.logAudit(ctx, "MPESA_CALLBACK", "payment", payment.ID, before, updated,
		fmt.Sprintf("result_code=%d receipt=%s", event.ResultCode, event.ReceiptNumber))
	return nil
}
