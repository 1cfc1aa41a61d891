package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

const (
	defaultSalesPageSize = 20
	maxSalesPageSize     = 100
)

func (e *Engine) CreateProduct(ctx context.Context, userID string, req domain.ProductCreateRequest) (*domain.Product, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	name := normalizeText(req.Name)
	if name == "" {
		return nil, invalid("name is required")
	}
	if req.CostPrice.IsNegative() || req.SellingPrice.IsNegative() {
		return nil, invalid("prices must be >= 0")
	}
	if req.InitialStock < 0 {
		return nil, invalid("initial_stock must be >= 0")
	}
	minimum := domain.DefaultMinimumStock
	if req.MinimumStock != nil {
		minimum = *req.MinimumStock
	}
	if minimum < 0 {
		return nil, invalid("minimum_stock must be >= 0")
	}
	trackStock := true
	if req.TrackStock != nil {
		trackStock = *req.TrackStock
	}

	now := e.now()
	product := domain.Product{
		UID:          xid.UID(),
		UserID:       userID,
		Name:         name,
		SKU:          normalizeText(req.SKU),
		Description:  normalizeText(req.Description),
		Category:     normalizeText(req.Category),
		Unit:         normalizeText(req.Unit),
		CostPrice:    req.CostPrice,
		SellingPrice: req.SellingPrice,
		MinimumStock: minimum,
		TrackStock:   trackStock,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = e.store.WithinTx(ctx, func(tx store.LedgerTx) error {
		if err := tx.InsertProduct(ctx, &product); err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		payload := productPayload(product)
		if req.InitialStock > 0 {
			moved, err := appendDeltas(ctx, tx, userID, map[int64]int{product.ID: req.InitialStock}, 1, domain.ReasonOpeningStock, domain.TableProducts, product.UID, now)
			if err != nil {
				return err
			}
			product.CurrentStock = moved[0].NewStock
			payload.OpeningStock = &mutation.StockDelta{
				AdjustmentUID: moved[0].UID,
				ProductUID:    product.UID,
				Delta:         moved[0].Adjustment,
			}
		}
		return enqueue(ctx, tx, userID, domain.OperationCreate, payload, now)
	})
	if err != nil {
		return nil, e.commitError("product", userID, err)
	}

	e.logger.Info("product created", zap.String("user_id", userID), zap.Int64("product_id", product.ID), zap.String("uid", product.UID))
	return &product, nil
}

// UpdateProduct edits scalar product fields. Stock is only ever changed
// through deltas and is ignored here.
func (e *Engine) UpdateProduct(ctx context.Context, userID string, productID int64, req domain.ProductUpdateRequest) (*domain.Product, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	return e.editProduct(ctx, userID, productID, domain.OperationUpdate, func(p *domain.Product) error {
		if req.Name != nil {
			p.Name = normalizeText(*req.Name)
		}
		if req.SKU != nil {
			p.SKU = normalizeText(*req.SKU)
		}
		if req.Description != nil {
			p.Description = normalizeText(*req.Description)
		}
		if req.Category != nil {
			p.Category = normalizeText(*req.Category)
		}
		if req.Unit != nil {
			p.Unit = normalizeText(*req.Unit)
		}
		if req.CostPrice != nil {
			p.CostPrice = *req.CostPrice
		}
		if req.SellingPrice != nil {
			p.SellingPrice = *req.SellingPrice
		}
		if req.MinimumStock != nil {
			p.MinimumStock = *req.MinimumStock
		}
		if req.TrackStock != nil {
			p.TrackStock = *req.TrackStock
		}
		switch {
		case p.Name == "":
			return invalid("name is required")
		case p.CostPrice.IsNegative() || p.SellingPrice.IsNegative():
			return invalid("prices must be >= 0")
		case p.MinimumStock < 0:
			return invalid("minimum_stock must be >= 0")
		}
		return nil
	})
}

func (e *Engine) DeactivateProduct(ctx context.Context, userID string, productID int64) (*domain.Product, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	return e.editProduct(ctx, userID, productID, domain.OperationDelete, func(p *domain.Product) error {
		if !p.Active {
			return invalid("product %d is already inactive", p.ID)
		}
		p.Active = false
		return nil
	})
}

func (e *Engine) editProduct(ctx context.Context, userID string, productID int64, op domain.Operation, edit func(*domain.Product) error) (*domain.Product, error) {
	var product domain.Product
	now := e.now()
	err := e.store.WithinTx(ctx, func(tx store.LedgerTx) error {
		products, err := lockProducts(ctx, tx, userID, []int64{productID})
		if err != nil {
			return err
		}
		product = products[productID]
		if err := edit(&product); err != nil {
			return err
		}
		product.UpdatedAt = now
		if err := tx.UpdateProduct(ctx, &product); err != nil {
			return fmt.Errorf("update product: %w", err)
		}
		return enqueue(ctx, tx, userID, op, productPayload(product), now)
	})
	if err != nil {
		return nil, e.commitError("product", userID, err)
	}
	e.logger.Info("product edited", zap.String("user_id", userID), zap.Int64("product_id", productID), zap.String("operation", string(op)))
	return &product, nil
}

// LowStock lists active tracked products at or below their minimum stock.
func (e *Engine) LowStock(ctx context.Context, userID string) ([]domain.Product, error) {
	products, err := e.store.ListProducts(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0)
	for _, p := range products {
		if p.Active && p.LowStock() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (e *Engine) ListSales(ctx context.Context, userID string, filter domain.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultSalesPageSize
	}
	if filter.Limit > maxSalesPageSize {
		filter.Limit = maxSalesPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, invalid("end date is before start date")
	}
	return e.store.ListSales(ctx, userID, filter)
}

func productPayload(p domain.Product) mutation.ProductPayload {
	return mutation.ProductPayload{
		UID:          p.UID,
		Name:         p.Name,
		SKU:          p.SKU,
		Description:  p.Description,
		Category:     p.Category,
		Unit:         p.Unit,
		CostPrice:    p.CostPrice,
		SellingPrice: p.SellingPrice,
		MinimumStock: p.MinimumStock,
		TrackStock:   p.TrackStock,
		Active:       p.Active,
		BaseVersion:  p.Version,
		UpdatedAt:    p.UpdatedAt,
	}
}

func salePayload(sale domain.Sale, moved []domain.StockAdjustment) mutation.SalePayload {
	items := make([]mutation.SaleItemPayload, 0, len(sale.Items))
	for _, item := range sale.Items {
		items = append(items, mutation.SaleItemPayload{
			ProductUID:  item.ProductUID,
			ProductName: item.ProductName,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			TotalPrice:  item.TotalPrice,
		})
	}
	deltas := make([]mutation.StockDelta, 0, len(moved))
	for _, adj := range moved {
		deltas = append(deltas, stockDelta(adj))
	}
	return mutation.SalePayload{
		UID:           sale.UID,
		TransactionID: sale.TransactionID,
		TotalAmount:   sale.TotalAmount,
		AmountPaid:    sale.AmountPaid,
		Balance:       sale.Balance,
		PaymentMethod: sale.PaymentMethod,
		CustomerPhone: sale.CustomerPhone,
		Notes:         sale.Notes,
		SaleDate:      sale.SaleDate,
		Items:         items,
		StockDeltas:   deltas,
	}
}

func purchasePayload(p domain.Purchase, moved domain.StockAdjustment) mutation.PurchasePayload {
	return mutation.PurchasePayload{
		UID:           p.UID,
		ProductUID:    p.ProductUID,
		SupplierName:  p.SupplierName,
		SupplierPhone: p.SupplierPhone,
		Quantity:      p.Quantity,
		UnitCost:      p.UnitCost,
		TotalCost:     p.TotalCost,
		Notes:         p.Notes,
		PurchaseDate:  p.PurchaseDate,
		StockDelta:    stockDelta(moved),
	}
}

func expensePayload(e domain.Expense) mutation.ExpensePayload {
	return mutation.ExpensePayload{
		UID:           e.UID,
		Category:      e.Category,
		Amount:        e.Amount,
		Description:   e.Description,
		PaymentMethod: e.PaymentMethod,
		IsRecurring:   e.IsRecurring,
		Recurrence:    e.Recurrence,
		ExpenseDate:   e.ExpenseDate,
	}
}

func stockDelta(adj domain.StockAdjustment) mutation.StockDelta {
	return mutation.StockDelta{
		AdjustmentUID: adj.UID,
		ProductUID:    adj.ProductUID,
		Delta:         adj.Adjustment,
	}
}
