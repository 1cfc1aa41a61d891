package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type Options struct {
	EnforceNoNegativeStock bool
}

// Engine commits business actions to the LocalStore. Each commit writes the
// entity rows, their stock deltas and exactly one queue record atomically.
type Engine struct {
	store  store.LocalStore
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

func New(st store.LocalStore, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		opts:   opts,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) CommitSale(ctx context.Context, userID string, req domain.SaleRequest) (*domain.Sale, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	items, demand, err := normalizeItems(req.Items)
	if err != nil {
		return nil, err
	}
	paymentMethod, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	if req.TotalAmount.IsNegative() || req.AmountPaid.IsNegative() {
		return nil, invalid("total_amount and amount_paid must be >= 0")
	}
	lineSum := decimal.Zero
	for _, item := range items {
		lineSum = lineSum.Add(item.TotalPrice)
	}
	if lineSum.Sub(req.TotalAmount).Abs().GreaterThan(mutation.Tolerance) {
		return nil, invalid("total_amount %s does not match item total %s", req.TotalAmount, lineSum)
	}

	now := e.now()
	sale := domain.Sale{
		UID:           xid.UID(),
		UserID:        userID,
		TransactionID: xid.New("SALE", now),
		TotalAmount:   req.TotalAmount,
		AmountPaid:    req.AmountPaid,
		Balance:       req.TotalAmount.Sub(req.AmountPaid),
		PaymentMethod: paymentMethod,
		CustomerPhone: strings.TrimSpace(req.CustomerPhone),
		Status:        domain.SaleStatusCompleted,
		Notes:         strings.TrimSpace(req.Notes),
		SaleDate:      now,
		Items:         items,
		CreatedAt:     now,
	}

	var moved []domain.StockAdjustment
	err = e.store.WithinTx(ctx, func(tx store.LedgerTx) error {
		products, err := lockProducts(ctx, tx, userID, sortedKeys(demand))
		if err != nil {
			return err
		}
		for i := range sale.Items {
			item := &sale.Items[i]
			if item.ProductID == 0 {
				continue
			}
			product := products[item.ProductID]
			if !product.Active {
				return invalid("product %d is inactive", product.ID)
			}
			item.ProductUID = product.UID
			if item.ProductName == "" {
				item.ProductName = product.Name
			}
		}
		for _, id := range sortedKeys(demand) {
			if err := e.checkStock(products[id], -demand[id]); err != nil {
				return err
			}
		}

		if err := tx.InsertSale(ctx, &sale); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}
		moved, err = appendDeltas(ctx, tx, userID, demand, -1, domain.ReasonSale, domain.TableSales, sale.UID, now)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, userID, domain.OperationCreate, salePayload(sale, moved), now)
	})
	if err != nil {
		return nil, e.commitError("sale", userID, err)
	}

	e.logger.Info("sale committed",
		zap.String("user_id", userID),
		zap.String("transaction_id", sale.TransactionID),
		zap.Int64("sale_id", sale.ID),
		zap.String("total_amount", sale.TotalAmount.String()),
	)
	e.warnLowStock(ctx, userID, moved)
	return &sale, nil
}

func (e *Engine) CommitPurchase(ctx context.Context, userID string, req domain.PurchaseRequest) (*domain.Purchase, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	if req.ProductID <= 0 {
		return nil, invalid("product_id is required")
	}
	if req.Quantity <= 0 {
		return nil, invalid("quantity must be > 0")
	}
	if req.UnitCost.IsNegative() {
		return nil, invalid("unit_cost must be >= 0")
	}

	now := e.now()
	purchase := domain.Purchase{
		UID:           xid.UID(),
		UserID:        userID,
		ProductID:     req.ProductID,
		SupplierName:  normalizeText(req.SupplierName),
		SupplierPhone: strings.TrimSpace(req.SupplierPhone),
		Quantity:      req.Quantity,
		UnitCost:      req.UnitCost,
		TotalCost:     req.UnitCost.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Notes:         strings.TrimSpace(req.Notes),
		PurchaseDate:  now,
		CreatedAt:     now,
	}

	err = e.store.WithinTx(ctx, func(tx store.LedgerTx) error {
		products, err := lockProducts(ctx, tx, userID, []int64{req.ProductID})
		if err != nil {
			return err
		}
		product := products[req.ProductID]
		if !product.Active {
			return invalid("product %d is inactive", product.ID)
		}
		purchase.ProductUID = product.UID
		if err := tx.InsertPurchase(ctx, &purchase); err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		moved, err := appendDeltas(ctx, tx, userID, map[int64]int{req.ProductID: req.Quantity}, 1, domain.ReasonPurchase, domain.TablePurchases, purchase.UID, now)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, userID, domain.OperationCreate, purchasePayload(purchase, moved[0]), now)
	})
	if err != nil {
		return nil, e.commitError("purchase", userID, err)
	}

	e.logger.Info("purchase committed",
		zap.String("user_id", userID),
		zap.Int64("purchase_id", purchase.ID),
		zap.Int64("product_id", purchase.ProductID),
		zap.Int("quantity", purchase.Quantity),
	)
	return &purchase, nil
}

func (e *Engine) CommitExpense(ctx context.Context, userID string, req domain.ExpenseRequest) (*domain.Expense, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	category := normalizeText(req.Category)
	if category == "" {
		return nil, invalid("category is required")
	}
	if !req.Amount.IsPositive() {
		return nil, invalid("amount must be > 0")
	}
	paymentMethod, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}
	recurrence := strings.ToLower(strings.TrimSpace(req.Recurrence))
	if req.IsRecurring && recurrence == "" {
		return nil, invalid("recurrence is required for recurring expenses")
	}
	if !req.IsRecurring {
		recurrence = ""
	}

	now := e.now()
	expense := domain.Expense{
		UID:           xid.UID(),
		UserID:        userID,
		Category:      category,
		Amount:        req.Amount,
		Description:   strings.TrimSpace(req.Description),
		PaymentMethod: paymentMethod,
		IsRecurring:   req.IsRecurring,
		Recurrence:    recurrence,
		ExpenseDate:   now,
		CreatedAt:     now,
	}

	err = e.store.WithinTx(ctx, func(tx store.LedgerTx) error {
		if err := tx.InsertExpense(ctx, &expense); err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		return enqueue(ctx, tx, userID, domain.OperationCreate, expensePayload(expense), now)
	})
	if err != nil {
		return nil, e.commitError("expense", userID, err)
	}

	e.logger.Info("expense committed", zap.String("user_id", userID), zap.Int64("expense_id", expense.ID))
	return &expense, nil
}

// CommitAdjustment appends a manual signed delta to a product's stock.
func (e *Engine) CommitAdjustment(ctx context.Context, userID string, req domain.AdjustmentRequest) (*domain.StockAdjustment, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	if req.ProductID <= 0 {
		return nil, invalid("product_id is required")
	}
	if req.Adjustment == 0 {
		return nil, invalid("adjustment must be non-zero")
	}
	reason := strings.ToLower(strings.TrimSpace(req.Reason))
	if reason == "" {
		reason = domain.ReasonManual
	}
	if !isManualReason(reason) {
		return nil, invalid("unsupported adjustment reason %q", req.Reason)
	}

	now := e.now()
	adj := domain.StockAdjustment{
		UID:        xid.UID(),
		UserID:     userID,
		ProductID:  req.ProductID,
		Adjustment: req.Adjustment,
		Reason:     reason,
		Notes:      strings.TrimSpace(req.Notes),
		CreatedAt:  now,
	}

	err = e.store.WithinTx(ctx, func(tx store.LedgerTx) error {
		products, err := lockProducts(ctx, tx, userID, []int64{req.ProductID})
		if err != nil {
			return err
		}
		// Inactive products still take corrections so leftover stock of a
		// discontinued item can be written off.
		if err := e.checkStock(products[req.ProductID], req.Adjustment); err != nil {
			return err
		}
		if err := tx.AppendStockDelta(ctx, &adj); err != nil {
			return fmt.Errorf("append stock delta: %w", err)
		}
		return enqueue(ctx, tx, userID, domain.OperationCreate, mutation.StockAdjustmentPayload{
			UID:        adj.UID,
			ProductUID: adj.ProductUID,
			Delta:      adj.Adjustment,
			Reason:     adj.Reason,
			Notes:      adj.Notes,
		}, now)
	})
	if err != nil {
		return nil, e.commitError("adjustment", userID, err)
	}

	e.logger.Info("stock adjusted",
		zap.String("user_id", userID),
		zap.Int64("product_id", adj.ProductID),
		zap.Int("adjustment", adj.Adjustment),
		zap.Int("new_stock", adj.NewStock),
	)
	e.warnLowStock(ctx, userID, []domain.StockAdjustment{adj})
	return &adj, nil
}

func (e *Engine) checkStock(product domain.Product, delta int) error {
	if !e.opts.EnforceNoNegativeStock || !product.TrackStock || delta >= 0 {
		return nil
	}
	if product.CurrentStock+delta < 0 {
		return fmt.Errorf("%w: product %d has %d, requested %d", store.ErrInsufficientStock, product.ID, product.CurrentStock, -delta)
	}
	return nil
}

func (e *Engine) commitError(action string, userID string, err error) error {
	if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrInsufficientStock) {
		e.logger.Debug(action+" rejected", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	e.logger.Error(action+" commit failed", zap.String("user_id", userID), zap.Error(err))
	return fmt.Errorf("commit %s: %w", action, err)
}

func (e *Engine) warnLowStock(ctx context.Context, userID string, moved []domain.StockAdjustment) {
	for _, adj := range moved {
		product, err := e.store.GetProduct(ctx, userID, adj.ProductID)
		if err != nil || !product.LowStock() {
			continue
		}
		e.logger.Warn("product at or below minimum stock",
			zap.String("user_id", userID),
			zap.Int64("product_id", product.ID),
			zap.String("name", product.Name),
			zap.Int("current_stock", product.CurrentStock),
			zap.Int("minimum_stock", product.MinimumStock),
		)
	}
}

func lockProducts(ctx context.Context, tx store.LedgerTx, userID string, ids []int64) (map[int64]domain.Product, error) {
	if len(ids) == 0 {
		return map[int64]domain.Product{}, nil
	}
	products, err := tx.LockProducts(ctx, userID, ids)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	if err != nil {
		return nil, fmt.Errorf("lock products: %w", err)
	}
	return products, nil
}

// appendDeltas writes one adjustment per product in ascending id order.
func appendDeltas(ctx context.Context, tx store.LedgerTx, userID string, quantities map[int64]int, sign int, reason string, source domain.Table, sourceUID string, at time.Time) ([]domain.StockAdjustment, error) {
	out := make([]domain.StockAdjustment, 0, len(quantities))
	for _, id := range sortedKeys(quantities) {
		adj := domain.StockAdjustment{
			UID:         xid.UID(),
			UserID:      userID,
			ProductID:   id,
			Adjustment:  sign * quantities[id],
			Reason:      reason,
			SourceTable: source,
			SourceUID:   sourceUID,
			CreatedAt:   at,
		}
		if err := tx.AppendStockDelta(ctx, &adj); err != nil {
			return nil, fmt.Errorf("append stock delta: %w", err)
		}
		out = append(out, adj)
	}
	return out, nil
}

func enqueue(ctx context.Context, tx store.LedgerTx, userID string, op domain.Operation, payload mutation.Payload, at time.Time) error {
	env, err := mutation.New(op, payload, xid.UID())
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	rec := &domain.PendingSyncRecord{
		UserID:           userID,
		TableName:        env.TableName,
		Operation:        env.Operation,
		RecordData:       env.RecordData,
		ClientMutationID: env.ClientMutationID,
		EntityUID:        payload.EntityUID(),
		SyncStatus:       domain.SyncPending,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	if err := tx.Enqueue(ctx, rec); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.TableName, err)
	}
	return nil
}

func normalizeItems(inputs []domain.SaleItemInput) ([]domain.SaleItem, map[int64]int, error) {
	if len(inputs) == 0 {
		return nil, nil, invalid("at least one item is required")
	}
	items := make([]domain.SaleItem, 0, len(inputs))
	demand := make(map[int64]int)
	for i, in := range inputs {
		if in.Quantity <= 0 {
			return nil, nil, invalid("items[%d]: quantity must be > 0", i)
		}
		if in.UnitPrice.IsNegative() {
			return nil, nil, invalid("items[%d]: unit_price must be >= 0", i)
		}
		if in.ProductID < 0 {
			return nil, nil, invalid("items[%d]: invalid product_id", i)
		}
		name := normalizeText(in.ProductName)
		if in.ProductID == 0 && name == "" {
			return nil, nil, invalid("items[%d]: product_name is required for items without a product", i)
		}
		items = append(items, domain.SaleItem{
			ProductID:   in.ProductID,
			ProductName: name,
			UnitPrice:   in.UnitPrice,
			Quantity:    in.Quantity,
			TotalPrice:  in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))),
		})
		if in.ProductID > 0 {
			demand[in.ProductID] += in.Quantity
		}
	}
	return items, demand, nil
}

func normalizePaymentMethod(raw string) (string, error) {
	method := strings.ToLower(strings.TrimSpace(raw))
	if method == "" {
		return domain.PaymentCash, nil
	}
	switch method {
	case domain.PaymentCash, domain.PaymentTransfer, domain.PaymentCard, domain.PaymentUSSD:
		return method, nil
	}
	return "", invalid("unsupported payment method %q", raw)
}

func isManualReason(reason string) bool {
	switch reason {
	case domain.ReasonManual, domain.ReasonDamage, domain.ReasonReturn, domain.ReasonCount:
		return true
	}
	return false
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func requireUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", invalid("user id is required")
	}
	return userID, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrValidation, fmt.Sprintf(format, args...))
}

func sortedKeys(m map[int64]int) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
