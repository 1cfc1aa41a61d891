package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflicting concurrent edit")
)

// ConflictError reports that a product was modified since the base version
// of the incoming edit. Current is the server's state at detection time.
type ConflictError struct {
	Current domain.Product
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: product %s is at version %d", ErrConflict, e.Current.UID, e.Current.Version)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// QueueStore persists pending_sync rows. Rows are only created through
// LedgerTx.Enqueue.
type QueueStore interface {
	// ListPendingSync returns pending and syncing rows of userID, oldest first.
	ListPendingSync(ctx context.Context, userID string, limit int) ([]domain.PendingSyncRecord, error)
	ListSyncRecords(ctx context.Context, userID string, status domain.SyncStatus, limit int) ([]domain.PendingSyncRecord, error)
	GetSyncRecord(ctx context.Context, id int64) (*domain.PendingSyncRecord, error)
	SetSyncStatus(ctx context.Context, ids []int64, status domain.SyncStatus, at time.Time) error
	UpdateSyncRecord(ctx context.Context, rec domain.PendingSyncRecord) error
	DeleteSyncedBefore(ctx context.Context, userID string, before time.Time) (int, error)
	CountSyncRecords(ctx context.Context, userID string) (map[domain.SyncStatus]int, error)
}

// LedgerTx is the write side of one local ledger transaction. Nothing it
// writes is visible to other callers until the surrounding WithinTx returns nil.
type LedgerTx interface {
	// LockProducts takes exclusive locks on the given products in ascending
	// id order and returns their state as seen under the lock.
	LockProducts(ctx context.Context, userID string, ids []int64) (map[int64]domain.Product, error)
	InsertProduct(ctx context.Context, product *domain.Product) error
	UpdateProduct(ctx context.Context, product *domain.Product) error
	InsertSale(ctx context.Context, sale *domain.Sale) error
	InsertPurchase(ctx context.Context, purchase *domain.Purchase) error
	InsertExpense(ctx context.Context, expense *domain.Expense) error
	// AppendStockDelta records adj and moves the product's current_stock
	// projection by adj.Adjustment. PreviousStock and NewStock are filled in.
	AppendStockDelta(ctx context.Context, adj *domain.StockAdjustment) error
	Enqueue(ctx context.Context, rec *domain.PendingSyncRecord) error
}

// LocalStore is the on-device store: entity tables plus the sync queue.
type LocalStore interface {
	QueueStore

	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetProduct(ctx context.Context, userID string, id int64) (*domain.Product, error)
	GetProductByUID(ctx context.Context, userID string, uid string) (*domain.Product, error)
	ListProducts(ctx context.Context, userID string) ([]domain.Product, error)
	GetSale(ctx context.Context, userID string, id int64) (*domain.Sale, error)
	ListSales(ctx context.Context, userID string, filter domain.SaleFilter) ([]domain.Sale, error)
	ListStockAdjustments(ctx context.Context, userID string, productID int64) ([]domain.StockAdjustment, error)
	// StockProjection recomputes a product's stock as the sum of its deltas.
	StockProjection(ctx context.Context, userID string, productID int64) (int, error)

	// MarkEntitySynced stores the server id (and version for products) of a
	// synced entity.
	MarkEntitySynced(ctx context.Context, table domain.Table, uid string, remoteID int64, version int64) error
	// ApplyRemoteProduct overwrites the scalar fields and version of a local
	// product with the remote state. Stock is left untouched.
	ApplyRemoteProduct(ctx context.Context, userID string, remote domain.Product) error

	// AcquireSyncLease claims the sync cycle of userID for holder until
	// expiresAt. It reports false while another holder's lease is unexpired
	// at now. A holder acquiring its own lease again extends it.
	AcquireSyncLease(ctx context.Context, userID, holder string, now, expiresAt time.Time) (bool, error)
	// ReleaseSyncLease drops the lease of userID if holder owns it.
	ReleaseSyncLease(ctx context.Context, userID, holder string) error

	Close() error
}

// ServerRepository is the central store behind the remote apply endpoint.
type ServerRepository interface {
	FindAppliedMutation(ctx context.Context, userID string, clientMutationID string) (*domain.AppliedMutation, error)
	// ApplyMutation applies payload exactly once per (userID, client mutation
	// id). A repeated id returns the stored row with duplicate set.
	ApplyMutation(ctx context.Context, userID string, env mutation.Envelope, payload mutation.Payload) (applied *domain.AppliedMutation, duplicate bool, err error)
	GetProduct(ctx context.Context, userID string, uid string) (*domain.Product, error)
}
