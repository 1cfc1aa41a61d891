package syncengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/ledger"
	"ledgerpos/backend/internal/remote"
	"ledgerpos/backend/internal/store/sqlite"
	"ledgerpos/backend/internal/syncqueue"
)

// openProcess opens path the way a separate device process would: its own
// connection, queue and engine.
func openProcess(t *testing.T, path string, rs remote.Store) (*sqlite.Store, *Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	queue := syncqueue.New(st, fastPolicy, logger)
	return st, New(st, queue, rs, nil, Options{RemoteTimeout: time.Minute}, logger)
}

func TestSecondProcessCannotDrainWhileLeaseIsHeld(t *testing.T) {
	be := newBackend(t)
	path := filepath.Join(t.TempDir(), "device.db")
	gate := &gatedRemote{Store: be.remote, open: 0, blocked: make(chan struct{}, 1)}
	firstStore, first := openProcess(t, path, gate)
	_, second := openProcess(t, path, be.remote)

	_, err := ledger.New(firstStore, ledger.Options{}, zaptest.NewLogger(t)).CommitExpense(context.Background(), testUser, domain.ExpenseRequest{
		Category:      "utilities",
		Amount:        decimal.NewFromInt(7500),
		PaymentMethod: "cash",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := first.SyncNow(ctx, testUser)
		done <- err
	}()
	<-gate.blocked

	_, err = second.SyncNow(context.Background(), testUser)
	require.ErrorIs(t, err, ErrCycleInFlight)
	assert.Equal(t, int32(1), gate.calls.Load())
	assert.Empty(t, be.repo.AppliedOrder(testUser))

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	result, err := second.SyncNow(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Synced)
	assert.Len(t, be.repo.AppliedOrder(testUser), 1)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	be := newBackend(t)
	dev := newDevice(t, be.remote, Options{})
	dev.expense(t, 1000)
	ctx := context.Background()

	now := time.Now().UTC()
	held, err := dev.store.AcquireSyncLease(ctx, testUser, "crashed-process", now, now.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, held)

	_, err = dev.engine.SyncNow(ctx, testUser)
	require.ErrorIs(t, err, ErrCycleInFlight)
	assert.Equal(t, PhaseIdle, dev.engine.State(testUser).Phase)

	held, err = dev.store.AcquireSyncLease(ctx, testUser, "crashed-process", now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, held)

	result := dev.syncAll(t)
	assert.Equal(t, 1, result.Synced)
}
