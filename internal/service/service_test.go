package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(repo, nil, logger), repo
}

func productBySKU(t *testing.T, repo *memory.Store, sku string) domain.Product {
	t.Helper()
	p, err := repo.GetProductBySKU(context.Background(), sku)
	if err != nil {
		t.Fatalf("product %s: %v", sku, err)
	}
	return *p
}

func managerContext() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: domain.RoleManager})
}

func TestCreateSaleTaxDependsOnVATStatus(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()

	oil := productBySKU(t, repo, "SKU-MAFUTA-1L")     // EXCLUSIVE, 34000
	flour := productBySKU(t, repo, "SKU-UNGA-2KG")    // NONE, 15900
	milk := productBySKU(t, repo, "SKU-MAZIWA-500ML") // INCLUSIVE, 6000

	resp, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: oil.ID, Quantity: 1},
			{ProductID: flour.ID, Quantity: 1},
			{ProductID: milk.ID, Quantity: 1},
		},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	sale := resp.Sale
	wantSubtotal := int64(34000 + 15900 + 6000)
	wantTax := (int64(34000)*domain.VATRatePercent + 50) / 100
	if sale.SubtotalCents != wantSubtotal {
		t.Fatalf("expected subtotal %d, got %d", wantSubtotal, sale.SubtotalCents)
	}
	if sale.TaxCents != wantTax {
		t.Fatalf("expected tax %d on the exclusive item only, got %d", wantTax, sale.TaxCents)
	}
	if sale.TotalCents != wantSubtotal+wantTax {
		t.Fatalf("expected total %d, got %d", wantSubtotal+wantTax, sale.TotalCents)
	}
	if sale.ChangeCents != 100000-sale.TotalCents {
		t.Fatalf("expected change %d, got %d", 100000-sale.TotalCents, sale.ChangeCents)
	}

	for _, item := range sale.Items {
		switch item.ProductID {
		case oil.ID:
			if item.TaxCents != wantTax {
				t.Fatalf("exclusive item tax: want %d, got %d", wantTax, item.TaxCents)
			}
		default:
			if item.TaxCents != 0 {
				t.Fatalf("item %s should carry no tax, got %d", item.ProductName, item.TaxCents)
			}
		}
	}
}

func TestCreateSaleWholesaleTierPricing(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	sugar := productBySKU(t, repo, "SKU-SUKARI-1KG") // tier: 10+ at 16200, retail 17000
	if len(sugar.WholesaleTiers) == 0 {
		t.Fatalf("seed product %s should carry a wholesale tier", sugar.SKU)
	}
	tier := sugar.WholesaleTiers[0]

	resp, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: sugar.ID, Quantity: 10, WholesaleTierID: tier.ID}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     200000,
	})
	if err != nil {
		t.Fatalf("wholesale sale: %v", err)
	}
	item := resp.Sale.Items[0]
	if item.WholesaleTierID != tier.ID || item.UnitPriceCents != 16200 {
		t.Fatalf("expected wholesale unit price 16200, got tier=%q price=%d", item.WholesaleTierID, item.UnitPriceCents)
	}

	resp, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: sugar.ID, Quantity: 5, WholesaleTierID: tier.ID}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     200000,
	})
	if err != nil {
		t.Fatalf("below-tier sale: %v", err)
	}
	item = resp.Sale.Items[0]
	if item.WholesaleTierID != "" || item.UnitPriceCents != 17000 {
		t.Fatalf("below-tier quantity should fall back to retail, got tier=%q price=%d", item.WholesaleTierID, item.UnitPriceCents)
	}

	_, err = svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: sugar.ID, Quantity: 10, WholesaleTierID: "tier-bogus"}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     200000,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for foreign tier, got %v", err)
	}
}

func TestCreateSaleInsufficientStock(t *testing.T) {
	svc, repo := newTestService()
	salt := productBySKU(t, repo, "SKU-CHUMVI-500G")

	_, err := svc.CreateSale(managerContext(), domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: salt.ID, Quantity: salt.StockQuantity + 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     10_000_000,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestCreateSaleCashUnderpaymentRejected(t *testing.T) {
	svc, repo := newTestService()
	bread := productBySKU(t, repo, "SKU-MKATE-400G")

	_, err := svc.CreateSale(managerContext(), domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: bread.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for underpayment, got %v", err)
	}
}

func TestCreateSaleOfflineIDIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	bread := productBySKU(t, repo, "SKU-MKATE-400G")
	stockBefore := bread.StockQuantity

	req := domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: bread.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     20000,
		OfflineID:     "till-4-0017",
	}
	first, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("first sale: %v", err)
	}
	if first.Duplicate {
		t.Fatalf("first submission flagged duplicate")
	}

	second, err := svc.CreateSale(ctx, req)
	if err != nil {
		t.Fatalf("replayed sale: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("replay not flagged duplicate")
	}
	if second.Sale.ID != first.Sale.ID {
		t.Fatalf("replay produced a different sale: %s vs %s", second.Sale.ID, first.Sale.ID)
	}

	after := productBySKU(t, repo, "SKU-MKATE-400G")
	if after.StockQuantity != stockBefore-2 {
		t.Fatalf("stock debited more than once: before %d, after %d", stockBefore, after.StockQuantity)
	}
}

func TestRefundByItemsSumsLinesAndRestocks(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	rice := productBySKU(t, repo, "SKU-MCHELE-1KG")  // 19500, NONE
	tea := productBySKU(t, repo, "SKU-MAJANI-250G")  // 22500, EXCLUSIVE

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items: []domain.SaleItemRequest{
			{ProductID: rice.ID, Quantity: 3},
			{ProductID: tea.ID, Quantity: 2},
		},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     1_000_000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	var riceItem, teaItem domain.SaleItem
	for _, item := range created.Sale.Items {
		switch item.ProductID {
		case rice.ID:
			riceItem = item
		case tea.ID:
			teaItem = item
		}
	}

	resp, err := svc.Refund(ctx, domain.RefundRequest{
		SaleID: created.Sale.ID,
		Reason: "customer returned part of the order",
		Items: []domain.RefundItemRequest{
			{SaleItemID: riceItem.ID, Quantity: 1},
			{SaleItemID: teaItem.ID, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	wantAmount := riceItem.UnitPriceCents + teaItem.UnitPriceCents + teaItem.TaxCents/2
	if resp.Refund.AmountCents != wantAmount {
		t.Fatalf("expected refund amount %d, got %d", wantAmount, resp.Refund.AmountCents)
	}
	if resp.RemainingAmountCents != created.Sale.TotalCents-wantAmount {
		t.Fatalf("expected remaining %d, got %d", created.Sale.TotalCents-wantAmount, resp.RemainingAmountCents)
	}

	riceAfter := productBySKU(t, repo, "SKU-MCHELE-1KG")
	if riceAfter.StockQuantity != rice.StockQuantity-3+1 {
		t.Fatalf("expected rice stock %d, got %d", rice.StockQuantity-3+1, riceAfter.StockQuantity)
	}
}

func TestProportionalRefundFloorsUnitRestore(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	salt := productBySKU(t, repo, "SKU-CHUMVI-500G") // 3000, NONE

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: salt.ID, Quantity: 3}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     9000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// 4000 of a 9000 sale restores floor(3*4000/9000) = 1 unit.
	resp, err := svc.Refund(ctx, domain.RefundRequest{
		SaleID:      created.Sale.ID,
		Reason:      "partial goodwill refund",
		AmountCents: 4000,
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if resp.Refund.AmountCents != 4000 {
		t.Fatalf("expected 4000 refunded, got %d", resp.Refund.AmountCents)
	}
	if resp.RemainingAmountCents != 5000 {
		t.Fatalf("expected remaining 5000, got %d", resp.RemainingAmountCents)
	}

	after := productBySKU(t, repo, "SKU-CHUMVI-500G")
	if after.StockQuantity != salt.StockQuantity-3+1 {
		t.Fatalf("expected one unit restored, stock went %d -> %d", salt.StockQuantity, after.StockQuantity)
	}
}

func TestRefundCumulativeCapEnforced(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	soda := productBySKU(t, repo, "SKU-SODA-500ML")

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: soda.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	total := created.Sale.TotalCents

	if _, err := svc.Refund(ctx, domain.RefundRequest{
		SaleID:      created.Sale.ID,
		Reason:      "over-ask",
		AmountCents: total + 1,
	}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for refund above total, got %v", err)
	}

	// Zero amount with no items refunds the full remainder.
	resp, err := svc.Refund(ctx, domain.RefundRequest{SaleID: created.Sale.ID, Reason: "full return"})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if resp.Refund.AmountCents != total || resp.RemainingAmountCents != 0 {
		t.Fatalf("expected full refund of %d, got %d remaining %d", total, resp.Refund.AmountCents, resp.RemainingAmountCents)
	}

	sale, err := svc.GetSale(ctx, created.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if sale.Status != domain.SaleStatusRefunded || sale.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected fully refunded statuses, got %s/%s", sale.Status, sale.PaymentStatus)
	}

	if _, err := svc.Refund(ctx, domain.RefundRequest{
		SaleID:      created.Sale.ID,
		Reason:      "again",
		AmountCents: 1,
	}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale once fully refunded, got %v", err)
	}
}

func TestConcurrentRefundsCannotOverdrawSale(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	rice := productBySKU(t, repo, "SKU-MCHELE-1KG") // 19500 retail, VAT NONE

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: rice.ID, Quantity: 4}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     78000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	// Two tills ask for 60% each; together they would overdraw the sale.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Refund(ctx, domain.RefundRequest{
				SaleID:      created.Sale.ID,
				Reason:      "damaged bags",
				AmountCents: 48000,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrInvalidSale):
			rejected++
		default:
			t.Fatalf("unexpected refund error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected exactly one refund to win, got %d succeeded / %d rejected", succeeded, rejected)
	}

	refunds, err := svc.ListRefunds(ctx, created.Sale.ID)
	if err != nil {
		t.Fatalf("list refunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].AmountCents != 48000 {
		t.Fatalf("expected one 48000 refund, got %+v", refunds)
	}

	// floor(4 * 48000 / 78000) = 2 units restored, once.
	after := productBySKU(t, repo, "SKU-MCHELE-1KG")
	if after.StockQuantity != rice.StockQuantity-4+2 {
		t.Fatalf("expected stock %d, got %d", rice.StockQuantity-4+2, after.StockQuantity)
	}
}

func TestVoidSaleRestoresStockAndFailsPayments(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	soap := productBySKU(t, repo, "SKU-SABUNI-BAR")

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: soap.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	voided, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: created.Sale.ID, Reason: "keyed in twice"})
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Sale.Status != domain.SaleStatusVoid {
		t.Fatalf("expected status %s, got %s", domain.SaleStatusVoid, voided.Sale.Status)
	}
	if voided.Sale.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected payment status FAILED, got %s", voided.Sale.PaymentStatus)
	}
	for _, p := range voided.Sale.Payments {
		if p.Status != domain.PaymentStatusFailed {
			t.Fatalf("expected payment %s FAILED, got %s", p.ID, p.Status)
		}
	}

	after := productBySKU(t, repo, "SKU-SABUNI-BAR")
	if after.StockQuantity != soap.StockQuantity {
		t.Fatalf("void should restore stock to %d, got %d", soap.StockQuantity, after.StockQuantity)
	}

	if _, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: created.Sale.ID, Reason: "again"}); !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale on double void, got %v", err)
	}
}

func TestVoidWindowExpires(t *testing.T) {
	svc, _ := newTestService()
	ctx := managerContext()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: firstProductID(t, svc), Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	svc.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, err = svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: created.Sale.ID, Reason: "too late"})
	if !errors.Is(err, store.ErrVoidWindowExpired) {
		t.Fatalf("expected ErrVoidWindowExpired, got %v", err)
	}

	// A replayed void is judged by when the cashier voided, not by arrival.
	recordedAt := base.Add(2 * time.Hour)
	if _, err := svc.VoidSale(ctx, domain.VoidSaleRequest{
		SaleID:     created.Sale.ID,
		Reason:     "captured offline in time",
		RecordedAt: &recordedAt,
	}); err != nil {
		t.Fatalf("void with in-window recorded_at: %v", err)
	}
}

func TestVoidSettledSaleReportsStateNotWindow(t *testing.T) {
	svc, _ := newTestService()
	ctx := managerContext()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	voidedSale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: firstProductID(t, svc), Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: voidedSale.Sale.ID, Reason: "wrong order"}); err != nil {
		t.Fatalf("void: %v", err)
	}

	refundedSale, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: firstProductID(t, svc), Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.Refund(ctx, domain.RefundRequest{SaleID: refundedSale.Sale.ID, Reason: "full return"}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	// Past the window, a settled sale still reports its state, not the clock.
	svc.now = func() time.Time { return base.Add(25 * time.Hour) }
	_, err = svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: voidedSale.Sale.ID, Reason: "again"})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for stale double void, got %v", err)
	}
	_, err = svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: refundedSale.Sale.ID, Reason: "too late anyway"})
	if !errors.Is(err, store.ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale for refunded sale, got %v", err)
	}
}

func TestVoidRestoresOnlyUnrefundedRemainder(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	flour := productBySKU(t, repo, "SKU-UNGA-2KG")

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: flour.ID, Quantity: 4}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     1_000_000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := svc.Refund(ctx, domain.RefundRequest{
		SaleID: created.Sale.ID,
		Reason: "one bag torn",
		Items:  []domain.RefundItemRequest{{SaleItemID: created.Sale.Items[0].ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	if _, err := svc.VoidSale(ctx, domain.VoidSaleRequest{SaleID: created.Sale.ID, Reason: "order cancelled"}); err != nil {
		t.Fatalf("void: %v", err)
	}

	// 4 sold, 1 back on refund, 3 back on void: net zero.
	after := productBySKU(t, repo, "SKU-UNGA-2KG")
	if after.StockQuantity != flour.StockQuantity {
		t.Fatalf("expected stock back to %d, got %d", flour.StockQuantity, after.StockQuantity)
	}
}

func TestStockEntryWarnsOutsideBounds(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	milk := productBySKU(t, repo, "SKU-MAZIWA-500ML") // stock 120, max 500

	resp, err := svc.RecordStockEntry(ctx, domain.StockEntryRequest{ProductID: milk.ID, Quantity: 500})
	if err != nil {
		t.Fatalf("stock entry: %v", err)
	}
	if resp.StockAfter != 620 {
		t.Fatalf("expected stock 620, got %d", resp.StockAfter)
	}
	if resp.StockWarning == "" || !strings.Contains(resp.StockWarning, "maximum") {
		t.Fatalf("expected max-stock warning, got %q", resp.StockWarning)
	}

	if _, err := svc.RecordStockEntry(ctx, domain.StockEntryRequest{ProductID: milk.ID, Quantity: 0}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for zero quantity, got %v", err)
	}
}

func TestSyncOfflineBatchIsolation(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	bread := productBySKU(t, repo, "SKU-MKATE-400G")

	salePayload, _ := json.Marshal(domain.SyncSalePayload{
		Items:         []domain.SaleItemRequest{{ProductID: bread.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     10000,
	})
	stockPayload, _ := json.Marshal(domain.SyncStockEntryPayload{
		StockEntryRequest: domain.StockEntryRequest{ProductID: bread.ID, Quantity: 5},
	})

	resp, err := svc.SyncOffline(ctx, domain.SyncRequest{Items: []domain.SyncItemRequest{
		{ID: "off-1", Type: domain.SyncTypeSale, Payload: salePayload},
		{ID: "off-2", Type: domain.SyncTypeStockEntry, Payload: stockPayload},
		{ID: "off-3", Type: domain.SyncTypeSale, Payload: json.RawMessage(`{"bogus": true}`)},
		{ID: "off-4", Type: domain.SyncTypeRefund, Payload: json.RawMessage(`{"sale_id": "no-such-sale", "reason": "x"}`)},
	}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if resp.Processed != 2 || resp.Failed != 2 {
		t.Fatalf("expected 2 processed / 2 failed, got %d / %d", resp.Processed, resp.Failed)
	}
	if len(resp.Errors) != 2 {
		t.Fatalf("expected 2 error entries, got %d", len(resp.Errors))
	}

	// The sale item id became its offline id, so a replayed batch dedupes.
	if _, err := repo.FindSaleByOfflineID(ctx, "off-1"); err != nil {
		t.Fatalf("synced sale not findable by offline id: %v", err)
	}
	replay, err := svc.SyncOffline(ctx, domain.SyncRequest{Items: []domain.SyncItemRequest{
		{ID: "off-1", Type: domain.SyncTypeSale, Payload: salePayload},
	}})
	if err != nil {
		t.Fatalf("replay sync: %v", err)
	}
	if replay.Processed != 1 || replay.Failed != 0 {
		t.Fatalf("replayed sale should process cleanly, got %d / %d", replay.Processed, replay.Failed)
	}

	after := productBySKU(t, repo, "SKU-MKATE-400G")
	if after.StockQuantity != bread.StockQuantity-1+5 {
		t.Fatalf("expected stock %d after batch, got %d", bread.StockQuantity-1+5, after.StockQuantity)
	}

	pending, err := svc.ListPendingSyncItems(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, item := range pending {
		if item.Status == domain.SyncStatusCompleted {
			t.Fatalf("completed item %s listed as pending", item.ID)
		}
	}
}

func TestSyncResentBatchDoesNotReapplyCompletedItems(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	salt := productBySKU(t, repo, "SKU-CHUMVI-500G") // 3000 retail, VAT NONE

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: salt.ID, Quantity: 4}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     12000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	refundPayload, _ := json.Marshal(domain.SyncRefundPayload{
		SaleID:      created.Sale.ID,
		Reason:      "customer returned half",
		AmountCents: 6000,
	})
	stockPayload, _ := json.Marshal(domain.SyncStockEntryPayload{
		StockEntryRequest: domain.StockEntryRequest{ProductID: salt.ID, Quantity: 3},
	})
	batch := domain.SyncRequest{Items: []domain.SyncItemRequest{
		{ID: "till-7-refund-1", Type: domain.SyncTypeRefund, Payload: refundPayload},
		{ID: "till-7-stock-1", Type: domain.SyncTypeStockEntry, Payload: stockPayload},
	}}

	resp, err := svc.SyncOffline(ctx, batch)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if resp.Processed != 2 || resp.Failed != 0 {
		t.Fatalf("expected 2 processed, got %d / %d failed", resp.Processed, resp.Failed)
	}
	afterFirst := productBySKU(t, repo, "SKU-CHUMVI-500G")

	// The till never heard the ack and sends the same batch again.
	resent, err := svc.SyncOffline(ctx, batch)
	if err != nil {
		t.Fatalf("resent sync: %v", err)
	}
	if resent.Processed != 2 || resent.Failed != 0 {
		t.Fatalf("resent batch should acknowledge cleanly, got %d / %d failed", resent.Processed, resent.Failed)
	}

	refunds, err := svc.ListRefunds(ctx, created.Sale.ID)
	if err != nil {
		t.Fatalf("list refunds: %v", err)
	}
	if len(refunds) != 1 {
		t.Fatalf("expected exactly one refund after resend, got %d", len(refunds))
	}
	sale, err := svc.GetSale(ctx, created.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if sale.Status != domain.SaleStatusCompleted {
		t.Fatalf("half-refunded sale should stay %s, got %s", domain.SaleStatusCompleted, sale.Status)
	}

	afterResend := productBySKU(t, repo, "SKU-CHUMVI-500G")
	if afterResend.StockQuantity != afterFirst.StockQuantity {
		t.Fatalf("resent batch moved stock from %d to %d", afterFirst.StockQuantity, afterResend.StockQuantity)
	}
}

func TestSyncOfflineUnknownTypeFails(t *testing.T) {
	svc, _ := newTestService()

	resp, err := svc.SyncOffline(managerContext(), domain.SyncRequest{Items: []domain.SyncItemRequest{
		{ID: "off-x", Type: "promo", Payload: json.RawMessage(`{}`)},
	}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if resp.Failed != 1 || resp.Processed != 0 {
		t.Fatalf("unknown type should fail the item, got processed=%d failed=%d", resp.Processed, resp.Failed)
	}

	if _, err := svc.SyncOffline(managerContext(), domain.SyncRequest{}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty batch, got %v", err)
	}
}

func TestSyncPurgeDropsOldCompletedItems(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	bread := productBySKU(t, repo, "SKU-MKATE-400G")

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	payload, _ := json.Marshal(domain.SyncSalePayload{
		Items:         []domain.SaleItemRequest{{ProductID: bread.ID, Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     10000,
	})
	if _, err := svc.SyncOffline(ctx, domain.SyncRequest{Items: []domain.SyncItemRequest{
		{ID: "old-sync", Type: domain.SyncTypeSale, Payload: payload},
	}}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	purged, err := repo.PurgeCompletedSyncItems(ctx, base.Add(8*24*time.Hour).Add(-SyncPurgeAge))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged item, got %d", purged)
	}
}

func TestDailyReportAggregates(t *testing.T) {
	svc, repo := newTestService()
	ctx := managerContext()
	bread := productBySKU(t, repo, "SKU-MKATE-400G")

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: bread.ID, Quantity: 2}},
		PaymentMethod: domain.PaymentMethodCash,
		PaidCents:     100000,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if _, err := svc.Refund(ctx, domain.RefundRequest{
		SaleID: created.Sale.ID,
		Reason: "one returned",
		Items:  []domain.RefundItemRequest{{SaleItemID: created.Sale.Items[0].ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	report, err := svc.GetDailyReport(ctx, "2026-03-02")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.SalesCount != 1 {
		t.Fatalf("expected 1 sale, got %d", report.SalesCount)
	}
	if report.GrossCents != created.Sale.TotalCents {
		t.Fatalf("expected gross %d, got %d", created.Sale.TotalCents, report.GrossCents)
	}
	if report.RefundedCents != 6500 {
		t.Fatalf("expected 6500 refunded, got %d", report.RefundedCents)
	}
	if report.NetCents != report.GrossCents-report.RefundedCents {
		t.Fatalf("net should be gross minus refunds, got %d", report.NetCents)
	}
	if report.MethodBreakdown[domain.PaymentMethodCash] != created.Sale.TotalCents {
		t.Fatalf("cash breakdown mismatch: %v", report.MethodBreakdown)
	}

	if _, err := svc.GetDailyReport(ctx, "02-03-2026"); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad date, got %v", err)
	}
}

type stubGateway struct {
	pushes []STKPush
	err    error
}

func (g *stubGateway) InitiateSTKPush(_ context.Context, push STKPush) (*STKPushResult, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.pushes = append(g.pushes, push)
	return &STKPushResult{
		MerchantRequestID: "merch-1",
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", len(g.pushes)),
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func TestMpesaFlowSettlesPayment(t *testing.T) {
	repo := memory.NewSeeded()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	gateway := &stubGateway{}
	svc := New(repo, gateway, logger)
	ctx := managerContext()

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: firstProductID(t, svc), Quantity: 1}},
		PaymentMethod: domain.PaymentMethodMpesa,
		PhoneNumber:   "0712345678",
	})
	if err != nil {
		t.Fatalf("create mpesa sale: %v", err)
	}
	if created.Sale.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("mpesa sale should start PENDING, got %s", created.Sale.PaymentStatus)
	}

	pushResp, err := svc.InitiateSTKPush(ctx, domain.STKPushRequest{
		SaleID:      created.Sale.ID,
		PhoneNumber: "0712345678",
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}
	if gateway.pushes[0].PhoneNumber != "254712345678" {
		t.Fatalf("expected normalized msisdn, got %s", gateway.pushes[0].PhoneNumber)
	}

	if err := svc.HandleMpesaCallback(ctx, MpesaCallbackEvent{
		CheckoutRequestID: pushResp.CheckoutRequestID,
		ResultCode:        0,
		ReceiptNumber:     "SBM12XYZ9",
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	sale, err := svc.GetSale(ctx, created.Sale.ID)
	if err != nil {
		t.Fatalf("get sale: %v", err)
	}
	if sale.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected payment COMPLETED, got %s", sale.PaymentStatus)
	}
	if sale.Payments[0].MpesaReceipt != "SBM12XYZ9" {
		t.Fatalf("receipt not recorded: %+v", sale.Payments[0])
	}

	// Safaricom retries the callback; a settled payment stays settled.
	if err := svc.HandleMpesaCallback(ctx, MpesaCallbackEvent{
		CheckoutRequestID: pushResp.CheckoutRequestID,
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	}); err != nil {
		t.Fatalf("retried callback: %v", err)
	}
	sale, _ = svc.GetSale(ctx, created.Sale.ID)
	if sale.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("retried callback flipped a settled payment to %s", sale.PaymentStatus)
	}
}

func TestMpesaCallbackFailureMarksPayment(t *testing.T) {
	repo := memory.NewSeeded()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	gateway := &stubGateway{}
	svc := New(repo, gateway, logger)
	ctx := managerContext()

	created, err := svc.CreateSale(ctx, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{ProductID: firstProductID(t, svc), Quantity: 1}},
		PaymentMethod: domain.PaymentMethodMpesa,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	pushResp, err := svc.InitiateSTKPush(ctx, domain.STKPushRequest{
		SaleID:      created.Sale.ID,
		PhoneNumber: "254712345678",
	})
	if err != nil {
		t.Fatalf("stk push: %v", err)
	}

	if err := svc.HandleMpesaCallback(ctx, MpesaCallbackEvent{
		CheckoutRequestID: pushResp.CheckoutRequestID,
		ResultCode:        1032,
		ResultDesc:        "Request cancelled by user",
	}); err != nil {
		t.Fatalf("callback: %v", err)
	}

	sale, _ := svc.GetSale(ctx, created.Sale.ID)
	if sale.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected payment FAILED, got %s", sale.PaymentStatus)
	}
	if sale.Payments[0].FailureReason != "Request cancelled by user" {
		t.Fatalf("failure reason not recorded: %+v", sale.Payments[0])
	}

	// Unknown checkout ids are acknowledged without error.
	if err := svc.HandleMpesaCallback(ctx, MpesaCallbackEvent{CheckoutRequestID: "ws_CO_unknown"}); err != nil {
		t.Fatalf("unknown callback should be swallowed, got %v", err)
	}
}

func TestSTKPushWithoutGateway(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.InitiateSTKPush(managerContext(), domain.STKPushRequest{SaleID: "sale-x", PhoneNumber: "0712345678"})
	if !errors.Is(err, store.ErrDependency) {
		t.Fatalf("expected ErrDependency without a gateway, got %v", err)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"0712345678", "254712345678", true},
		{"+254712345678", "254712345678", true},
		{"254712345678", "254712345678", true},
		{"712345678", "254712345678", true},
		{"12345", "", false},
		{"07123456ab", "", false},
	}
	for _, tc := range cases {
		got, err := normalizePhone(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("normalizePhone(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("normalizePhone(%q) should fail", tc.in)
		}
	}
}

func firstProductID(t *testing.T, svc *Service) string {
	t.Helper()
	products, err := svc.ListProducts(context.Background(), false)
	if err != nil || len(products) == 0 {
		t.Fatalf("list products: %v", err)
	}
	return products[0].ID
}
