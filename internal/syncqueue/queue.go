package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const DefaultBatchSize = 50

// ErrPermanent matches every PermanentSyncFailure.
var ErrPermanent = errors.New("permanent sync failure")

// PermanentSyncFailure is a record that will not be retried automatically,
// either because it exhausted its retry budget or because the remote
// rejected it. It needs manual attention.
type PermanentSyncFailure struct {
	Record domain.PendingSyncRecord
}

func (f *PermanentSyncFailure) Error() string {
	return fmt.Sprintf("%v: %s %s record %d after %d attempts: %s",
		ErrPermanent, f.Record.Operation, f.Record.TableName, f.Record.ID, f.Record.RetryCount, f.Record.ErrorMessage)
}

func (f *PermanentSyncFailure) Is(target error) bool {
	return target == ErrPermanent
}

type Stats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Queue drives the delivery state of pending_sync rows. Records are only
// created by ledger transactions; Queue never inserts.
type Queue struct {
	store  store.QueueStore
	policy Policy
	logger *zap.Logger
	now    func() time.Time
	rand   func() float64
}

func New(st store.QueueStore, policy Policy, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:  st,
		policy: policy.normalized(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		rand:   defaultRand,
	}
}

func (q *Queue) Policy() Policy {
	return q.policy
}

// DequeueBatch returns up to n of the user's oldest pending or syncing
// records in insertion order. Syncing rows are leftovers of an interrupted
// pass and are not yet confirmed.
func (q *Queue) DequeueBatch(ctx context.Context, userID string, n int) ([]domain.PendingSyncRecord, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	if n <= 0 {
		n = DefaultBatchSize
	}
	return q.store.ListPendingSync(ctx, userID, n)
}

func (q *Queue) MarkSyncing(ctx context.Context, ids []int64) error {
	return q.setStatus(ctx, ids, domain.SyncSyncing)
}

func (q *Queue) MarkSynced(ctx context.Context, ids []int64) error {
	return q.setStatus(ctx, ids, domain.SyncSynced)
}

// Release puts records of an interrupted pass back to pending without
// touching their retry metadata.
func (q *Queue) Release(ctx context.Context, ids []int64) error {
	return q.setStatus(ctx, ids, domain.SyncPending)
}

func (q *Queue) setStatus(ctx context.Context, ids []int64, status domain.SyncStatus) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.store.SetSyncStatus(ctx, ids, status, q.now()); err != nil {
		return fmt.Errorf("mark %d records %s: %w", len(ids), status, err)
	}
	return nil
}

// MarkFailed records a transient delivery failure. The record stays pending
// with a backoff delay until retry_count reaches the policy maximum, then it
// flips to failed.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errorMessage string) (domain.PendingSyncRecord, error) {
	rec, err := q.store.GetSyncRecord(ctx, id)
	if err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("load sync record %d: %w", id, err)
	}
	if rec.SyncStatus == domain.SyncSynced || rec.SyncStatus == domain.SyncFailed {
		return *rec, fmt.Errorf("%w: record %d is already %s", store.ErrValidation, id, rec.SyncStatus)
	}

	now := q.now()
	rec.RetryCount++
	rec.LastRetryAt = &now
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = now
	if rec.RetryCount >= q.policy.MaxRetryCount {
		rec.SyncStatus = domain.SyncFailed
		rec.NextRetryAt = nil
	} else {
		next := now.Add(q.policy.Delay(rec.RetryCount, q.rand()))
		rec.SyncStatus = domain.SyncPending
		rec.NextRetryAt = &next
	}

	if err := q.store.UpdateSyncRecord(ctx, *rec); err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("update sync record %d: %w", id, err)
	}
	if rec.SyncStatus == domain.SyncFailed {
		q.logger.Warn("sync record exhausted retries",
			zap.Int64("record_id", rec.ID),
			zap.String("user_id", rec.UserID),
			zap.Int("retry_count", rec.RetryCount),
			zap.String("error", errorMessage),
		)
	}
	return *rec, nil
}

// Reject moves a record straight to failed after a permanent remote
// rejection. The retry count is left as is.
func (q *Queue) Reject(ctx context.Context, id int64, errorMessage string) (domain.PendingSyncRecord, error) {
	rec, err := q.store.GetSyncRecord(ctx, id)
	if err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("load sync record %d: %w", id, err)
	}
	now := q.now()
	rec.SyncStatus = domain.SyncFailed
	rec.LastRetryAt = &now
	rec.NextRetryAt = nil
	rec.ErrorMessage = errorMessage
	rec.UpdatedAt = now
	if err := q.store.UpdateSyncRecord(ctx, *rec); err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("update sync record %d: %w", id, err)
	}
	q.logger.Warn("sync record rejected",
		zap.Int64("record_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("table", string(rec.TableName)),
		zap.String("error", errorMessage),
	)
	return *rec, nil
}

// Failed lists the user's records that need manual attention.
func (q *Queue) Failed(ctx context.Context, userID string) ([]*PermanentSyncFailure, error) {
	records, err := q.store.ListSyncRecords(ctx, userID, domain.SyncFailed, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*PermanentSyncFailure, 0, len(records))
	for _, rec := range records {
		out = append(out, &PermanentSyncFailure{Record: rec})
	}
	return out, nil
}

// Requeue gives a failed record a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id int64) (domain.PendingSyncRecord, error) {
	rec, err := q.store.GetSyncRecord(ctx, id)
	if err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("load sync record %d: %w", id, err)
	}
	if rec.SyncStatus != domain.SyncFailed {
		return *rec, fmt.Errorf("%w: record %d is %s, only failed records can be requeued", store.ErrValidation, id, rec.SyncStatus)
	}
	rec.SyncStatus = domain.SyncPending
	rec.RetryCount = 0
	rec.NextRetryAt = nil
	rec.ErrorMessage = ""
	rec.UpdatedAt = q.now()
	if err := q.store.UpdateSyncRecord(ctx, *rec); err != nil {
		return domain.PendingSyncRecord{}, fmt.Errorf("update sync record %d: %w", id, err)
	}
	q.logger.Info("sync record requeued", zap.Int64("record_id", rec.ID), zap.String("user_id", rec.UserID))
	return *rec, nil
}

// Purge deletes synced records last touched before the cutoff.
func (q *Queue) Purge(ctx context.Context, userID string, before time.Time) (int, error) {
	return q.store.DeleteSyncedBefore(ctx, userID, before)
}

func (q *Queue) Stats(ctx context.Context, userID string) (Stats, error) {
	counts, err := q.store.CountSyncRecords(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending: counts[domain.SyncPending],
		Syncing: counts[domain.SyncSyncing],
		Synced:  counts[domain.SyncSynced],
		Failed:  counts[domain.SyncFailed],
	}, nil
}
