package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dukapos/backend/internal/domain"
	"dukapos/backend/internal/store"
	"dukapos/backend/internal/xid"
)

// SyncPurgeAge is how long completed queue items are kept before purge.
const SyncPurgeAge = 7 * 24 * time.Hour

// SyncOffline replays a batch of operations captured while a till was
// offline. Items fail independently: one bad payload never blocks the
// rest of the batch. Completed items older than SyncPurgeAge are purged
// after every batch.
func (s *Service) SyncOffline(ctx context.Context, req domain.SyncRequest) (*domain.SyncResponse, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: sync batch is empty", store.ErrInvalidInput)
	}

	resp := &domain.SyncResponse{}
	now := s.now()
	for _, incoming := range req.Items {
		item := domain.OfflineSyncItem{
			ID:         incoming.ID,
			Type:       incoming.Type,
			Payload:    incoming.Payload,
			Status:     domain.SyncStatusPending,
			MaxRetries: domain.SyncDefaultMaxRetries,
			CreatedAt:  now,
		}
		if item.ID == "" {
			item.ID = xid.New("sync")
		}
		queued, err := s.repo.EnqueueSyncItem(ctx, item)
		if err != nil {
			resp.Failed++
			resp.Errors = append(resp.Errors, domain.SyncError{ID: item.ID, Type: item.Type, Error: err.Error()})
			continue
		}
		// The store keeps completed items as they are; a resent batch
		// acknowledges them without replaying their effects.
		if queued.Status == domain.SyncStatusCompleted {
			resp.Processed++
			continue
		}

		if replayErr := s.replaySyncItem(ctx, *queued); replayErr != nil {
			queued.Status = domain.SyncStatusFailed
			queued.RetryCount++
			queued.LastError = replayErr.Error()
			resp.Failed++
			resp.Errors = append(resp.Errors, domain.SyncError{ID: queued.ID, Type: queued.Type, Error: replayErr.Error()})
			s.log.WithField("sync_item", queued.ID).WithError(replayErr).Warn("sync item replay failed")
		} else {
			processedAt := s.now()
			queued.Status = domain.SyncStatusCompleted
			queued.LastError = ""
			queued.ProcessedAt = &processedAt
			resp.Processed++
		}
		if err := s.repo.UpdateSyncItem(ctx, *queued); err != nil {
			s.log.WithField("sync_item", queued.ID).WithError(err).Warn("failed to persist sync item status")
		}
	}

	if purged, err := s.repo.PurgeCompletedSyncItems(ctx, s.now().Add(-SyncPurgeAge)); err != nil {
		s.log.WithError(err).Warn("failed to purge completed sync items")
	} else if purged > 0 {
		s.log.WithField("purged", purged).Info("purged completed sync items")
	}
	return resp, nil
}

// replaySyncItem dispatches one queue item to the operation named by its
// type discriminator. Payloads are decoded strictly; anything the variant
// does not declare is a failure.
func (s *Service) replaySyncItem(ctx context.Context, item domain.OfflineSyncItem) error {
	switch item.Type {
	case domain.SyncTypeSale:
		var payload domain.SyncSalePayload
		if err := decodeStrict(item.Payload, &payload); err != nil {
			return err
		}
		if payload.OfflineID == "" {
			payload.OfflineID = item.ID
		}
		_, err := s.CreateSale(ctx, payload)
		return err

	case domain.SyncTypeStockEntry:
		var payload domain.SyncStockEntryPayload
		if err := decodeStrict(item.Payload, &payload); err != nil {
			return err
		}
		_, err := s.recordStockEntry(ctx, payload.StockEntryRequest, payload.RecordedAt)
		return err

	case domain.SyncTypeRefund:
		var payload domain.SyncRefundPayload
		if err := decodeStrict(item.Payload, &payload); err != nil {
			return err
		}
		sale, err := s.resolveSyncSale(ctx, payload.SaleID, payload.SaleOfflineID)
		if err != nil {
			return err
		}
		// A fully refunded sale means this record already landed.
		if sale.Status == domain.SaleStatusRefunded {
			return nil
		}
		_, err = s.refund(ctx, domain.RefundRequest{
			SaleID:      sale.ID,
			Reason:      payload.Reason,
			Items:       payload.Items,
			AmountCents: payload.AmountCents,
		}, false)
		return err

	case domain.SyncTypeVoid:
		var payload domain.SyncVoidPayload
		if err := decodeStrict(item.Payload, &payload); err != nil {
			return err
		}
		sale, err := s.resolveSyncSale(ctx, payload.SaleID, payload.SaleOfflineID)
		if err != nil {
			return err
		}
		if sale.Status == domain.SaleStatusVoid {
			return nil
		}
		_, err = s.voidSale(ctx, domain.VoidSaleRequest{
			SaleID:     sale.ID,
			Reason:     payload.Reason,
			RecordedAt: payload.RecordedAt,
		}, false)
		return err

	default:
		return fmt.Errorf("%w: unknown sync item type %q", store.ErrInvalidInput, item.Type)
	}
}

func (s *Service) resolveSyncSale(ctx context.Context, saleID, offlineID string) (*domain.Sale, error) {
	switch {
	case saleID != "":
		return s.repo.FindSaleByID(ctx, saleID)
	case offlineID != "":
		return s.repo.FindSaleByOfflineID(ctx, offlineID)
	default:
		return nil, fmt.Errorf("%w: sync payload names no sale", store.ErrInvalidInput)
	}
}

// ListPendingSyncItems returns queue items still awaiting a successful
// replay, excluding those that exhausted their retries.
func (s *Service) ListPendingSyncItems(ctx context.Context, limit int) ([]domain.OfflineSyncItem, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListPendingSyncItems(ctx, limit)
}

// enqueueCompletedSyncRecord writes an already-applied operation onto the
// queue so other tills can reconcile against it. Failures are logged, not
// surfaced; the operation itself has already committed.
func (s *Service) enqueueCompletedSyncRecord(ctx context.Context, syncType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).Warn("failed to encode sync record payload")
		return
	}
	now := s.now()
	item := domain.OfflineSyncItem{
		ID:          xid.New("sync"),
		Type:        syncType,
		Payload:     data,
		Status:      domain.SyncStatusCompleted,
		MaxRetries:  domain.SyncDefaultMaxRetries,
		CreatedAt:   now,
		ProcessedAt: &now,
	}
	if _, err := s.repo.EnqueueSyncItem(ctx, item); err != nil {
		s.log.WithField("type", syncType).WithError(err).Warn("failed to enqueue sync record")
	}
}

func decodeStrict(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty sync payload", store.ErrInvalidInput)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed sync payload: %v", store.ErrInvalidInput, err)
	}
	return nil
}
