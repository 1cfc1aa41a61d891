package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	databaseURL := os.Getenv("LEDGERPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set LEDGERPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	userID := fmt.Sprintf("it-user-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_adjustments WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM purchases WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM expenses WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE user_id = $1`, userID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM applied_mutations WHERE user_id = $1`, userID)
		_ = s.Close()
	})
	return s, userID
}

func apply(t *testing.T, s *Store, userID string, op domain.Operation, payload mutation.Payload, mutationID string) (*domain.AppliedMutation, bool, error) {
	t.Helper()
	env, err := mutation.New(op, payload, mutationID)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	decoded, err := mutation.Decode(env)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return s.ApplyMutation(context.Background(), userID, env, decoded)
}

func TestApplyMutationMovesStockOnceAndTracksVersions(t *testing.T) {
	s, userID := openTestStore(t)
	ctx := context.Background()
	productUID := xid.UID()

	product := mutation.ProductPayload{
		UID:          productUID,
		Name:         "Gula Pasir 1kg",
		CostPrice:    decimal.NewFromInt(14000),
		SellingPrice: decimal.NewFromInt(16500),
		MinimumStock: 3,
		TrackStock:   true,
		Active:       true,
		OpeningStock: &mutation.StockDelta{AdjustmentUID: xid.UID(), ProductUID: productUID, Delta: 10},
		UpdatedAt:    time.Now().UTC(),
	}
	created, _, err := apply(t, s, userID, domain.OperationCreate, product, xid.UID())
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	sale := mutation.SalePayload{
		UID:           xid.UID(),
		TransactionID: "TX-IT-1",
		TotalAmount:   decimal.NewFromInt(49500),
		AmountPaid:    decimal.NewFromInt(49500),
		Balance:       decimal.Zero,
		PaymentMethod: "cash",
		SaleDate:      time.Now().UTC(),
		Items: []mutation.SaleItemPayload{{
			ProductUID:  productUID,
			ProductName: "Gula Pasir 1kg",
			UnitPrice:   decimal.NewFromInt(16500),
			Quantity:    3,
			TotalPrice:  decimal.NewFromInt(49500),
		}},
		StockDeltas: []mutation.StockDelta{{AdjustmentUID: xid.UID(), ProductUID: productUID, Delta: -3}},
	}
	saleMutation := xid.UID()
	if _, duplicate, err := apply(t, s, userID, domain.OperationCreate, sale, saleMutation); err != nil || duplicate {
		t.Fatalf("apply sale: duplicate=%v err=%v", duplicate, err)
	}
	if _, duplicate, err := apply(t, s, userID, domain.OperationCreate, sale, saleMutation); err != nil || !duplicate {
		t.Fatalf("redelivered sale: duplicate=%v err=%v", duplicate, err)
	}

	got, err := s.GetProduct(ctx, userID, productUID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if got.CurrentStock != 7 {
		t.Fatalf("expected stock 7, got %d", got.CurrentStock)
	}

	var deltaSum int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(adjustment), 0) FROM stock_adjustments WHERE user_id = $1 AND product_id = $2
	`, userID, got.ID).Scan(&deltaSum); err != nil {
		t.Fatalf("sum deltas: %v", err)
	}
	if deltaSum != got.CurrentStock {
		t.Fatalf("expected delta sum %d to match stock %d", deltaSum, got.CurrentStock)
	}

	edit := product
	edit.OpeningStock = nil
	edit.Name = "Gula Pasir Premium 1kg"
	edit.BaseVersion = 1
	updated, _, err := apply(t, s, userID, domain.OperationUpdate, edit, xid.UID())
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	_, _, err = apply(t, s, userID, domain.OperationUpdate, edit, xid.UID())
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for stale base version, got %v", err)
	}
	if conflict.Current.Version != 2 || conflict.Current.Name != "Gula Pasir Premium 1kg" {
		t.Fatalf("unexpected conflict state: %+v", conflict.Current)
	}
}

func TestApplyMutationRejectsUnknownProductWithoutSideEffects(t *testing.T) {
	s, userID := openTestStore(t)
	mutationID := xid.UID()

	_, _, err := apply(t, s, userID, domain.OperationCreate, mutation.StockAdjustmentPayload{
		UID:        xid.UID(),
		ProductUID: xid.UID(),
		Delta:      4,
		Reason:     domain.ReasonCount,
	}, mutationID)
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := s.FindAppliedMutation(context.Background(), userID, mutationID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rejected mutation to leave no applied row, got %v", err)
	}
}
