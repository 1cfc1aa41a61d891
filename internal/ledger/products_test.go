package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
)

func TestCreateProductQueuesOpeningStock(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.LocalStore, engine *Engine) {
		product := createProduct(t, engine, "  Kopi Kapal Api ", 12)
		assert.Equal(t, "Kopi Kapal Api", product.Name)
		assert.Equal(t, domain.DefaultMinimumStock, product.MinimumStock)
		assert.True(t, product.TrackStock)
		assert.Equal(t, 12, product.CurrentStock)
		assert.Zero(t, product.Version)

		rec := lastRecord(t, st)
		assert.Equal(t, domain.TableProducts, rec.TableName)
		assert.Equal(t, domain.OperationCreate, rec.Operation)
		payload, err := mutation.Decode(mutation.FromRecord(rec))
		require.NoError(t, err)
		created := payload.(mutation.ProductPayload)
		require.NotNil(t, created.OpeningStock)
		assert.Equal(t, 12, created.OpeningStock.Delta)

		adjustments, err := st.ListStockAdjustments(context.Background(), testUser, product.ID)
		require.NoError(t, err)
		require.Len(t, adjustments, 1)
		assert.Equal(t, domain.ReasonOpeningStock, adjustments[0].Reason)
	})
}

func TestUpdateProductNeverTouchesStock(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.LocalStore, engine *Engine) {
		ctx := context.Background()
		product := createProduct(t, engine, "Teh", 7)
		name := "Teh Pucuk"
		price := decimal.NewFromInt(4000)

		updated, err := engine.UpdateProduct(ctx, testUser, product.ID, domain.ProductUpdateRequest{
			Name:         &name,
			SellingPrice: &price,
		})
		require.NoError(t, err)
		assert.Equal(t, "Teh Pucuk", updated.Name)
		assert.Equal(t, 7, updated.CurrentStock)
		assert.False(t, updated.UpdatedAt.Before(product.UpdatedAt))

		got, err := st.GetProduct(ctx, testUser, product.ID)
		require.NoError(t, err)
		assert.Equal(t, "Teh Pucuk", got.Name)
		assert.True(t, got.SellingPrice.Equal(price))
		assert.Equal(t, 7, got.CurrentStock)

		rec := lastRecord(t, st)
		assert.Equal(t, domain.OperationUpdate, rec.Operation)
		payload, err := mutation.Decode(mutation.FromRecord(rec))
		require.NoError(t, err)
		assert.Nil(t, payload.(mutation.ProductPayload).OpeningStock)

		empty := " "
		_, err = engine.UpdateProduct(ctx, testUser, product.ID, domain.ProductUpdateRequest{Name: &empty})
		require.ErrorIs(t, err, store.ErrValidation)
		_, err = engine.UpdateProduct(ctx, testUser, 999, domain.ProductUpdateRequest{Name: &name})
		require.ErrorIs(t, err, store.ErrValidation)
	})
}

func TestDeactivateProduct(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.LocalStore, engine *Engine) {
		ctx := context.Background()
		product := createProduct(t, engine, "Sabun", 4)

		deactivated, err := engine.DeactivateProduct(ctx, testUser, product.ID)
		require.NoError(t, err)
		assert.False(t, deactivated.Active)

		rec := lastRecord(t, st)
		assert.Equal(t, domain.OperationDelete, rec.Operation)

		_, err = engine.DeactivateProduct(ctx, testUser, product.ID)
		require.ErrorIs(t, err, store.ErrValidation)

		_, err = engine.CommitSale(ctx, testUser, domain.SaleRequest{
			Items:       []domain.SaleItemInput{{ProductID: product.ID, Quantity: 1, UnitPrice: decimal.NewFromInt(1)}},
			TotalAmount: decimal.NewFromInt(1),
			AmountPaid:  decimal.NewFromInt(1),
		})
		require.ErrorIs(t, err, store.ErrValidation)

		_, err = engine.CommitPurchase(ctx, testUser, domain.PurchaseRequest{ProductID: product.ID, Quantity: 6, UnitCost: decimal.NewFromInt(300)})
		require.ErrorIs(t, err, store.ErrValidation)

		adj, err := engine.CommitAdjustment(ctx, testUser, domain.AdjustmentRequest{ProductID: product.ID, Adjustment: -4, Reason: domain.ReasonDamage})
		require.NoError(t, err)
		assert.Equal(t, 0, adj.NewStock)
	})
}

func TestLowStock(t *testing.T) {
	engine := New(memory.New(), Options{}, zaptest.NewLogger(t))
	low := createProduct(t, engine, "Low", 5)
	createProduct(t, engine, "Plenty", 50)

	products, err := engine.LowStock(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, low.ID, products[0].ID)
}

func TestListSalesPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, st store.LocalStore, engine *Engine) {
		ctx := context.Background()
		clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		engine.now = func() time.Time {
			clock = clock.Add(time.Hour)
			return clock
		}

		for i := 0; i < 5; i++ {
			_, err := engine.CommitSale(ctx, testUser, domain.SaleRequest{
				Items:       []domain.SaleItemInput{{ProductName: "Item", Quantity: 1, UnitPrice: decimal.NewFromInt(int64(i + 1))}},
				TotalAmount: decimal.NewFromInt(int64(i + 1)),
				AmountPaid:  decimal.NewFromInt(int64(i + 1)),
			})
			require.NoError(t, err)
		}

		all, err := engine.ListSales(ctx, testUser, domain.SaleFilter{})
		require.NoError(t, err)
		require.Len(t, all, 5)
		assert.True(t, all[0].SaleDate.After(all[4].SaleDate), "newest first")
		require.Len(t, all[0].Items, 1)

		paged, err := engine.ListSales(ctx, testUser, domain.SaleFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, paged, 2)
		assert.Equal(t, all[1].ID, paged[0].ID)

		from := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)
		to := time.Date(2026, 3, 1, 13, 30, 0, 0, time.UTC)
		ranged, err := engine.ListSales(ctx, testUser, domain.SaleFilter{From: &from, To: &to})
		require.NoError(t, err)
		assert.Len(t, ranged, 2)

		_, err = engine.ListSales(ctx, testUser, domain.SaleFilter{From: &to, To: &from})
		require.ErrorIs(t, err, store.ErrValidation)
	})
}
