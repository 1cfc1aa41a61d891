package memory

import (
	"context"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

func (s *Store) ListPendingSync(_ context.Context, userID string, limit int) ([]domain.PendingSyncRecord, error) {
	return s.scanQueue(userID, limit, func(rec domain.PendingSyncRecord) bool {
		return rec.SyncStatus == domain.SyncPending || rec.SyncStatus == domain.SyncSyncing
	}), nil
}

func (s *Store) ListSyncRecords(_ context.Context, userID string, status domain.SyncStatus, limit int) ([]domain.PendingSyncRecord, error) {
	return s.scanQueue(userID, limit, func(rec domain.PendingSyncRecord) bool {
		return status == "" || rec.SyncStatus == status
	}), nil
}

func (s *Store) scanQueue(userID string, limit int, keep func(domain.PendingSyncRecord) bool) []domain.PendingSyncRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PendingSyncRecord, 0)
	for _, id := range s.queueOrder {
		rec, ok := s.queue[id]
		if !ok || rec.UserID != userID || !keep(rec) {
			continue
		}
		out = append(out, cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) GetSyncRecord(_ context.Context, id int64) (*domain.PendingSyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.queue[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

func (s *Store) SetSyncStatus(_ context.Context, ids []int64, status domain.SyncStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		rec, ok := s.queue[id]
		if !ok {
			return store.ErrNotFound
		}
		rec.SyncStatus = status
		rec.UpdatedAt = at
		s.queue[id] = rec
	}
	return nil
}

func (s *Store) UpdateSyncRecord(_ context.Context, rec domain.PendingSyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[rec.ID]; !ok {
		return store.ErrNotFound
	}
	s.queue[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *Store) DeleteSyncedBefore(_ context.Context, userID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	kept := s.queueOrder[:0]
	for _, id := range s.queueOrder {
		rec, ok := s.queue[id]
		if !ok {
			continue
		}
		if rec.UserID == userID && rec.SyncStatus == domain.SyncSynced && rec.UpdatedAt.Before(before) {
			delete(s.queue, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.queueOrder = kept
	return removed, nil
}

func (s *Store) CountSyncRecords(_ context.Context, userID string) (map[domain.SyncStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[domain.SyncStatus]int)
	for _, rec := range s.queue {
		if rec.UserID == userID {
			counts[rec.SyncStatus]++
		}
	}
	return counts, nil
}

func cloneRecord(rec domain.PendingSyncRecord) domain.PendingSyncRecord {
	out := rec
	out.RecordData = append([]byte(nil), rec.RecordData...)
	if rec.LastRetryAt != nil {
		t := *rec.LastRetryAt
		out.LastRetryAt = &t
	}
	if rec.NextRetryAt != nil {
		t := *rec.NextRetryAt
		out.NextRetryAt = &t
	}
	return out
}

func (s *Store) AcquireSyncLease(_ context.Context, userID, holder string, now, expiresAt time.Time) (bool, error) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	current, ok := s.leases[userID]
	if ok && current.holder != holder && current.expiresAt.After(now) {
		return false, nil
	}
	s.leases[userID] = lease{holder: holder, expiresAt: expiresAt}
	return true, nil
}

func (s *Store) ReleaseSyncLease(_ context.Context, userID, holder string) error {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if current, ok := s.leases[userID]; ok && current.holder == holder {
		delete(s.leases, userID)
	}
	return nil
}
