package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertProduct(t *testing.T, st *Store, userID string, stock int) domain.Product {
	t.Helper()
	now := time.Now().UTC()
	product := domain.Product{
		UID:          xid.UID(),
		UserID:       userID,
		Name:         "Indomie",
		CostPrice:    decimal.NewFromInt(300),
		SellingPrice: decimal.NewFromInt(500),
		MinimumStock: 5,
		TrackStock:   true,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := st.WithinTx(context.Background(), func(tx store.LedgerTx) error {
		if err := tx.InsertProduct(context.Background(), &product); err != nil {
			return err
		}
		if stock == 0 {
			return nil
		}
		return tx.AppendStockDelta(context.Background(), &domain.StockAdjustment{
			UID:        xid.UID(),
			UserID:     userID,
			ProductID:  product.ID,
			Adjustment: stock,
			Reason:     domain.ReasonOpeningStock,
			CreatedAt:  now,
		})
	})
	require.NoError(t, err)
	product.CurrentStock = stock
	return product
}

func enqueueRecord(t *testing.T, st *Store, userID string) domain.PendingSyncRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := domain.PendingSyncRecord{
		UserID:           userID,
		TableName:        domain.TableExpenses,
		Operation:        domain.OperationCreate,
		RecordData:       []byte(`{"uid":"x"}`),
		ClientMutationID: xid.UID(),
		EntityUID:        xid.UID(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := st.WithinTx(context.Background(), func(tx store.LedgerTx) error {
		return tx.Enqueue(context.Background(), &rec)
	})
	require.NoError(t, err)
	return rec
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestProductRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	product := insertProduct(t, st, "user-1", 12)

	got, err := st.GetProduct(ctx, "user-1", product.ID)
	require.NoError(t, err)
	assert.Equal(t, product.UID, got.UID)
	assert.Equal(t, 12, got.CurrentStock)
	assert.True(t, got.SellingPrice.Equal(decimal.NewFromInt(500)))
	assert.True(t, got.TrackStock)
	assert.True(t, got.Active)

	byUID, err := st.GetProductByUID(ctx, "user-1", product.UID)
	require.NoError(t, err)
	assert.Equal(t, product.ID, byUID.ID)

	_, err = st.GetProduct(ctx, "user-2", product.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollbackLeavesNoRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	product := insertProduct(t, st, "user-1", 10)

	boom := errors.New("boom")
	err := st.WithinTx(ctx, func(tx store.LedgerTx) error {
		if _, err := tx.LockProducts(ctx, "user-1", []int64{product.ID}); err != nil {
			return err
		}
		if err := tx.AppendStockDelta(ctx, &domain.StockAdjustment{
			UID: xid.UID(), UserID: "user-1", ProductID: product.ID, Adjustment: -4,
			Reason: domain.ReasonSale, CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := st.GetProduct(ctx, "user-1", product.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.CurrentStock)

	adjustments, err := st.ListStockAdjustments(ctx, "user-1", product.ID)
	require.NoError(t, err)
	assert.Len(t, adjustments, 1)
}

func TestAppendStockDeltaRequiresLock(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	product := insertProduct(t, st, "user-1", 3)

	err := st.WithinTx(ctx, func(tx store.LedgerTx) error {
		return tx.AppendStockDelta(ctx, &domain.StockAdjustment{
			UID: xid.UID(), UserID: "user-1", ProductID: product.ID, Adjustment: 1,
			Reason: domain.ReasonManual, CreatedAt: time.Now().UTC(),
		})
	})
	require.Error(t, err)
}

func TestStockProjectionMatchesColumn(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	product := insertProduct(t, st, "user-1", 20)

	for _, delta := range []int{-3, 7, -1} {
		err := st.WithinTx(ctx, func(tx store.LedgerTx) error {
			if _, err := tx.LockProducts(ctx, "user-1", []int64{product.ID}); err != nil {
				return err
			}
			return tx.AppendStockDelta(ctx, &domain.StockAdjustment{
				UID: xid.UID(), UserID: "user-1", ProductID: product.ID, Adjustment: delta,
				Reason: domain.ReasonManual, CreatedAt: time.Now().UTC(),
			})
		})
		require.NoError(t, err)
	}

	projection, err := st.StockProjection(ctx, "user-1", product.ID)
	require.NoError(t, err)
	got, err := st.GetProduct(ctx, "user-1", product.ID)
	require.NoError(t, err)
	assert.Equal(t, 23, projection)
	assert.Equal(t, projection, got.CurrentStock)

	adjustments, err := st.ListStockAdjustments(ctx, "user-1", product.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 4)
	assert.Equal(t, 20, adjustments[1].PreviousStock)
	assert.Equal(t, 17, adjustments[1].NewStock)
	assert.Equal(t, product.UID, adjustments[1].ProductUID)
}

func TestQueueLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	first := enqueueRecord(t, st, "user-1")
	second := enqueueRecord(t, st, "user-1")
	enqueueRecord(t, st, "user-2")
	require.Less(t, first.ID, second.ID)

	pending, err := st.ListPendingSync(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ClientMutationID, pending[0].ClientMutationID)

	now := time.Now().UTC()
	require.NoError(t, st.SetSyncStatus(ctx, []int64{first.ID}, domain.SyncSyncing, now))
	pending, err = st.ListPendingSync(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "syncing rows are still dequeued")

	rec, err := st.GetSyncRecord(ctx, second.ID)
	require.NoError(t, err)
	next := now.Add(time.Minute)
	rec.RetryCount = 2
	rec.LastRetryAt = &now
	rec.NextRetryAt = &next
	rec.ErrorMessage = "timeout"
	rec.SyncStatus = domain.SyncFailed
	rec.UpdatedAt = now
	require.NoError(t, st.UpdateSyncRecord(ctx, *rec))

	got, err := st.GetSyncRecord(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "timeout", got.ErrorMessage)
	require.NotNil(t, got.NextRetryAt)
	assert.True(t, got.NextRetryAt.Equal(next))

	failed, err := st.ListSyncRecords(ctx, "user-1", domain.SyncFailed, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 1)

	require.NoError(t, st.SetSyncStatus(ctx, []int64{first.ID}, domain.SyncSynced, now.Add(-time.Hour)))
	removed, err := st.DeleteSyncedBefore(ctx, "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	counts, err := st.CountSyncRecords(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.SyncStatus]int{domain.SyncFailed: 1}, counts)

	assert.ErrorIs(t, st.SetSyncStatus(ctx, []int64{9999}, domain.SyncSynced, now), store.ErrNotFound)
}

func TestApplyRemoteProductKeepsStock(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	product := insertProduct(t, st, "user-1", 8)

	remote := product
	remote.ID = 41
	remote.Name = "Indomie Goreng"
	remote.CurrentStock = 999
	remote.Version = 4
	remote.UpdatedAt = time.Now().UTC()
	require.NoError(t, st.ApplyRemoteProduct(ctx, "user-1", remote))

	got, err := st.GetProduct(ctx, "user-1", product.ID)
	require.NoError(t, err)
	assert.Equal(t, "Indomie Goreng", got.Name)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, int64(41), got.RemoteID)
	assert.Equal(t, 8, got.CurrentStock)

	require.NoError(t, st.MarkEntitySynced(ctx, domain.TableProducts, product.UID, 41, 2))
	got, err = st.GetProduct(ctx, "user-1", product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Version, "version never moves backwards")

	assert.ErrorIs(t, st.MarkEntitySynced(ctx, domain.TableSales, xid.UID(), 1, 0), store.ErrNotFound)
}

func TestSyncLeaseExcludesOtherHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	first, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	second, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	ctx := context.Background()
	now := time.Now().UTC()

	held, err := first.AcquireSyncLease(ctx, "user-1", "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, held)

	held, err = second.AcquireSyncLease(ctx, "user-1", "b", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, held, "lease of another holder is still valid")

	held, err = second.AcquireSyncLease(ctx, "user-2", "b", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, held, "leases are per user")

	held, err = first.AcquireSyncLease(ctx, "user-1", "a", now, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, held, "holder extends its own lease")

	held, err = second.AcquireSyncLease(ctx, "user-1", "b", now.Add(3*time.Minute), now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.True(t, held, "expired lease is taken over")

	require.NoError(t, first.ReleaseSyncLease(ctx, "user-1", "a"))
	held, err = first.AcquireSyncLease(ctx, "user-1", "a", now.Add(3*time.Minute), now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.False(t, held, "release by a former holder is a no-op")

	require.NoError(t, second.ReleaseSyncLease(ctx, "user-1", "b"))
	held, err = first.AcquireSyncLease(ctx, "user-1", "a", now.Add(3*time.Minute), now.Add(4*time.Minute))
	require.NoError(t, err)
	assert.True(t, held)
}
