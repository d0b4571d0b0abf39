package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
)

// Refund applies an item-level or amount-based refund to a sale. The
// arithmetic runs inside the store transaction; this layer validates the
// request shape, audits the change and records it on the sync queue.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResponse, error) {
	return s.refund(ctx, req, true)
}

func (s *Service) refund(ctx context.Context, req domain.RefundRequest, enqueue bool) (*domain.RefundResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: refund reason is required", store.ErrInvalidInput)
	}
	if req.AmountCents < 0 {
		return nil, fmt.Errorf("%w: refund amount cannot be negative", store.ErrInvalidInput)
	}
	if len(req.Items) > 0 && req.AmountCents > 0 {
		return nil, fmt.Errorf("%w: provide either items or an amount, not both", store.ErrInvalidInput)
	}
	for _, line := range req.Items {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: refund quantity must be positive", store.ErrInvalidInput)
		}
	}

	before, err := s.repo.FindSaleByID(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}
	if before.Status == domain.SaleStatusVoid {
		return nil, fmt.Errorf("%w: voided sale cannot be refunded", store.ErrInvalidSale)
	}

	actor, _ := ActorFromContext(ctx)
	resp, err := s.repo.ApplyRefund(ctx, store.RefundPlan{
		SaleID:      req.SaleID,
		Reason:      reason,
		RefundedBy:  actor.Username,
		Lines:       req.Items,
		AmountCents: req.AmountCents,
		At:          s.now(),
	})
	if err != nil {
		return nil, err
	}

	after, err := s.repo.FindSaleByID(ctx, req.SaleID)
	if err != nil {
		after = before
	}
	s.logAudit(ctx, "SALE_REFUNDED", "sale", req.SaleID, before, after,
		fmt.Sprintf("refund=%s amount=%d remaining=%d", resp.Refund.ID, resp.Refund.AmountCents, resp.RemainingAmountCents))

	if enqueue {
		payload := domain.SyncRefundPayload{
			SaleID: req.SaleID,
			Reason: reason,
			Items:  req.Items,
		}
		// Amount-mode records keep the applied amount so a replay on
		// another till reproduces the same refund.
		if len(req.Items) == 0 {
			payload.AmountCents = resp.Refund.AmountCents
		}
		s.enqueueCompletedSyncRecord(ctx, domain.SyncTypeRefund, payload)
	}
	return resp, nil
}

// VoidSale cancels a sale wholesale: remaining stock goes back on the
// shelf and its payments are marked failed. Voids are only accepted
// within the void window of the sale's capture time.
func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (*domain.VoidSaleResponse, error) {
	return s.voidSale(ctx, req, true)
}

func (s *Service) voidSale(ctx context.Context, req domain.VoidSaleRequest, enqueue bool) (*domain.VoidSaleResponse, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: void reason is required", store.ErrInvalidInput)
	}

	before, err := s.repo.FindSaleByID(ctx, req.SaleID)
	if err != nil {
		return nil, err
	}
	if before.Status == domain.SaleStatusVoid {
		return nil, fmt.Errorf("%w: sale is already voided", store.ErrInvalidSale)
	}
	if before.Status == domain.SaleStatusRefunded {
		return nil, fmt.Errorf("%w: refunded sale cannot be voided", store.ErrInvalidSale)
	}

	// Replayed voids are judged against when the cashier actually voided,
	// not when the batch reached the server.
	ref := s.now()
	if req.RecordedAt != nil {
		ref = req.RecordedAt.UTC()
	}
	if age := ref.Sub(before.CreatedAt); age > domain.VoidWindow {
		return nil, fmt.Errorf("%w: sale is %s old, window is %s",
			store.ErrVoidWindowExpired, age.Round(time.Minute), domain.VoidWindow)
	}

	actor, _ := ActorFromContext(ctx)
	voided, err := s.repo.VoidSale(ctx, req.SaleID, reason, actor.Username, s.now())
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "SALE_VOIDED", "sale", req.SaleID, before, voided,
		fmt.Sprintf("reason=%s", reason))

	if enqueue {
		s.enqueueCompletedSyncRecord(ctx, domain.SyncTypeVoid, domain.SyncVoidPayload{
			SaleID:     req.SaleID,
			Reason:     reason,
			RecordedAt: req.RecordedAt,
		})
	}
	return &domain.VoidSaleResponse{Sale: *voided}, nil
}

func (s *Service) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	if _, err := s.repo.FindSaleByID(ctx, saleID); err != nil {
		return nil, err
	}
	return s.repo.ListRefundsBySale(ctx, saleID)
}
