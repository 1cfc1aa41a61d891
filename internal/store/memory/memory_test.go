package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

func seedProduct(t *testing.T, st *Store) domain.Product {
	t.Helper()
	product := domain.Product{
		UID:          xid.UID(),
		UserID:       "user-1",
		Name:         "Beras 5kg",
		SellingPrice: decimal.NewFromInt(70000),
		TrackStock:   true,
		Active:       true,
	}
	require.NoError(t, st.WithinTx(context.Background(), func(tx store.LedgerTx) error {
		return tx.InsertProduct(context.Background(), &product)
	}))
	return product
}

func TestLockProductsGivesUpWhenContextEnds(t *testing.T) {
	st := New()
	product := seedProduct(t, st)

	locked := make(chan struct{})
	unlock := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- st.WithinTx(context.Background(), func(tx store.LedgerTx) error {
			if _, err := tx.LockProducts(context.Background(), "user-1", []int64{product.ID}); err != nil {
				return err
			}
			close(locked)
			<-unlock
			return nil
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	started := time.Now()
	err := st.WithinTx(ctx, func(tx store.LedgerTx) error {
		_, err := tx.LockProducts(ctx, "user-1", []int64{product.ID})
		return err
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)

	close(unlock)
	require.NoError(t, <-holderDone)

	require.NoError(t, st.WithinTx(context.Background(), func(tx store.LedgerTx) error {
		_, err := tx.LockProducts(context.Background(), "user-1", []int64{product.ID})
		return err
	}), "lock is free once the holder commits")
}

func TestSyncLeaseExcludesOtherHolders(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now().UTC()

	held, err := st.AcquireSyncLease(ctx, "user-1", "a", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, held)

	held, err = st.AcquireSyncLease(ctx, "user-1", "b", now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, held)

	held, err = st.AcquireSyncLease(ctx, "user-1", "b", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, held, "expired lease is taken over")

	require.NoError(t, st.ReleaseSyncLease(ctx, "user-1", "a"))
	held, err = st.AcquireSyncLease(ctx, "user-1", "a", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, held, "release by a former holder is a no-op")

	require.NoError(t, st.ReleaseSyncLease(ctx, "user-1", "b"))
	held, err = st.AcquireSyncLease(ctx, "user-1", "a", now.Add(time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, held)
}
