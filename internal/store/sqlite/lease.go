package sqlite

import (
	"context"
	"fmt"
	"time"
)

// AcquireSyncLease runs as one BEGIN IMMEDIATE transaction, so two
// processes sharing the database file cannot both win.
func (s *Store) AcquireSyncLease(ctx context.Context, userID, holder string, now, expiresAt time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin lease tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sync_leases (user_id, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE sync_leases.holder = excluded.holder OR sync_leases.expires_at <= ?
	`, userID, holder, formatTime(expiresAt), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("acquire sync lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lease tx: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ReleaseSyncLease(ctx context.Context, userID, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_leases WHERE user_id = ? AND holder = ?`, userID, holder)
	if err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}
