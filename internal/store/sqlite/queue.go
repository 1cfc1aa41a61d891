package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const syncColumns = `id, user_id, table_name, operation, record_data, client_mutation_id, entity_uid, sync_status,
	retry_count, last_retry_at, next_retry_at, error_message, created_at, updated_at`

func (s *Store) ListPendingSync(ctx context.Context, userID string, limit int) ([]domain.PendingSyncRecord, error) {
	return s.querySync(ctx, `
		SELECT `+syncColumns+` FROM pending_sync
		WHERE user_id = ? AND sync_status IN ('pending', 'syncing')
		ORDER BY id LIMIT ?
	`, userID, sqlLimit(limit))
}

func (s *Store) ListSyncRecords(ctx context.Context, userID string, status domain.SyncStatus, limit int) ([]domain.PendingSyncRecord, error) {
	if status == "" {
		return s.querySync(ctx, `SELECT `+syncColumns+` FROM pending_sync WHERE user_id = ? ORDER BY id LIMIT ?`, userID, sqlLimit(limit))
	}
	return s.querySync(ctx, `
		SELECT `+syncColumns+` FROM pending_sync
		WHERE user_id = ? AND sync_status = ?
		ORDER BY id LIMIT ?
	`, userID, string(status), sqlLimit(limit))
}

func (s *Store) GetSyncRecord(ctx context.Context, id int64) (*domain.PendingSyncRecord, error) {
	rec, err := scanSyncRecord(s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM pending_sync WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (s *Store) SetSyncStatus(ctx context.Context, ids []int64, status domain.SyncStatus, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{string(status), formatTime(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE pending_sync SET sync_status = ?, updated_at = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSyncRecord(ctx context.Context, rec domain.PendingSyncRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync
		SET record_data = ?, sync_status = ?, retry_count = ?, last_retry_at = ?, next_retry_at = ?,
			error_message = ?, updated_at = ?
		WHERE id = ?
	`, string(rec.RecordData), string(rec.SyncStatus), rec.RetryCount, nullTime(rec.LastRetryAt), nullTime(rec.NextRetryAt),
		rec.ErrorMessage, formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSyncedBefore(ctx context.Context, userID string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_sync WHERE user_id = ? AND sync_status = 'synced' AND updated_at < ?
	`, userID, formatTime(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CountSyncRecords(ctx context.Context, userID string) (map[domain.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM pending_sync WHERE user_id = ? GROUP BY sync_status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) querySync(ctx context.Context, query string, args ...any) ([]domain.PendingSyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.PendingSyncRecord, 0)
	for rows.Next() {
		rec, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSyncRecord(row scanner) (domain.PendingSyncRecord, error) {
	var (
		rec                    domain.PendingSyncRecord
		table, op, status      string
		recordData             string
		lastRetry, nextRetry   sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&rec.ID, &rec.UserID, &table, &op, &recordData, &rec.ClientMutationID, &rec.EntityUID, &status,
		&rec.RetryCount, &lastRetry, &nextRetry, &rec.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return domain.PendingSyncRecord{}, err
	}
	rec.TableName = domain.Table(table)
	rec.Operation = domain.Operation(op)
	rec.SyncStatus = domain.SyncStatus(status)
	rec.RecordData = []byte(recordData)
	if rec.LastRetryAt, err = parseNullTime(lastRetry); err != nil {
		return domain.PendingSyncRecord{}, err
	}
	if rec.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
		return domain.PendingSyncRecord{}, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.PendingSyncRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.PendingSyncRecord{}, err
	}
	return rec, nil
}

// sqlLimit maps a non-positive limit to SQLite's "no limit".
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
