package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const productColumns = `id, uid, remote_id, user_id, name, sku, description, category, unit,
	cost_price, selling_price, current_stock, minimum_stock, track_stock, is_active, version,
	created_at, updated_at`

type ledgerTx struct {
	tx     *sql.Tx
	locked map[int64]bool
}

func (t *ledgerTx) LockProducts(ctx context.Context, userID string, ids []int64) (map[int64]domain.Product, error) {
	ordered := append([]int64(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	out := make(map[int64]domain.Product, len(ordered))
	for _, id := range ordered {
		if _, ok := out[id]; ok {
			continue
		}
		row := t.tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ? AND user_id = ?`, id, userID)
		product, err := scanProduct(row)
		if err != nil {
			if notFound(err) == store.ErrNotFound {
				return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
			}
			return nil, fmt.Errorf("lock product %d: %w", id, err)
		}
		t.locked[id] = true
		out[id] = product
	}
	return out, nil
}

func (t *ledgerTx) InsertProduct(ctx context.Context, p *domain.Product) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (uid, remote_id, user_id, name, sku, description, category, unit,
			cost_price, selling_price, current_stock, minimum_stock, track_stock, is_active, version,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
	`, p.UID, p.RemoteID, p.UserID, p.Name, p.SKU, p.Description, p.Category, p.Unit,
		p.CostPrice, p.SellingPrice, p.MinimumStock, p.TrackStock, p.Active, p.Version,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = id
	p.CurrentStock = 0
	t.locked[id] = true
	return nil
}

func (t *ledgerTx) UpdateProduct(ctx context.Context, p *domain.Product) error {
	if !t.locked[p.ID] {
		return fmt.Errorf("product %d is not locked", p.ID)
	}
	_, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET name = ?, sku = ?, description = ?, category = ?, unit = ?, cost_price = ?,
			selling_price = ?, minimum_stock = ?, track_stock = ?, is_active = ?, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, p.Name, p.SKU, p.Description, p.Category, p.Unit, p.CostPrice,
		p.SellingPrice, p.MinimumStock, p.TrackStock, p.Active, formatTime(p.UpdatedAt),
		p.ID, p.UserID)
	if err != nil {
		return err
	}
	return t.tx.QueryRowContext(ctx, `SELECT current_stock FROM products WHERE id = ?`, p.ID).Scan(&p.CurrentStock)
}

func (t *ledgerTx) InsertSale(ctx context.Context, sale *domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (uid, remote_id, user_id, transaction_id, total_amount, amount_paid, balance,
			payment_method, customer_phone, status, notes, sale_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sale.UID, sale.RemoteID, sale.UserID, sale.TransactionID, sale.TotalAmount, sale.AmountPaid, sale.Balance,
		sale.PaymentMethod, sale.CustomerPhone, sale.Status, sale.Notes, formatTime(sale.SaleDate), formatTime(sale.CreatedAt))
	if err != nil {
		return err
	}
	if sale.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		item.SaleID = sale.ID
		res, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, product_uid, product_name, unit_price, quantity, total_price)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, sale.ID, nullIfZero(item.ProductID), item.ProductUID, item.ProductName, item.UnitPrice, item.Quantity, item.TotalPrice)
		if err != nil {
			return fmt.Errorf("insert sale item: %w", err)
		}
		if item.ID, err = res.LastInsertId(); err != nil {
			return err
		}
	}
	return nil
}

func (t *ledgerTx) InsertPurchase(ctx context.Context, p *domain.Purchase) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchases (uid, remote_id, user_id, product_id, supplier_name, supplier_phone, quantity,
			unit_cost, total_cost, notes, purchase_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.UID, p.RemoteID, p.UserID, p.ProductID, p.SupplierName, p.SupplierPhone, p.Quantity,
		p.UnitCost, p.TotalCost, p.Notes, formatTime(p.PurchaseDate), formatTime(p.CreatedAt))
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (t *ledgerTx) InsertExpense(ctx context.Context, e *domain.Expense) error {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO expenses (uid, remote_id, user_id, category, amount, description, payment_method,
			is_recurring, recurrence, expense_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.UID, e.RemoteID, e.UserID, e.Category, e.Amount, e.Description, e.PaymentMethod,
		e.IsRecurring, e.Recurrence, formatTime(e.ExpenseDate), formatTime(e.CreatedAt))
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (t *ledgerTx) AppendStockDelta(ctx context.Context, adj *domain.StockAdjustment) error {
	if !t.locked[adj.ProductID] {
		return fmt.Errorf("product %d is not locked", adj.ProductID)
	}
	var current int
	if err := t.tx.QueryRowContext(ctx, `SELECT uid, current_stock FROM products WHERE id = ?`, adj.ProductID).Scan(&adj.ProductUID, &current); err != nil {
		return err
	}
	adj.PreviousStock = current
	adj.NewStock = current + adj.Adjustment

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_adjustments (uid, remote_id, user_id, product_id, previous_stock, new_stock, adjustment,
			reason, notes, source_table, source_uid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, adj.UID, adj.RemoteID, adj.UserID, adj.ProductID, adj.PreviousStock, adj.NewStock, adj.Adjustment,
		adj.Reason, adj.Notes, string(adj.SourceTable), adj.SourceUID, formatTime(adj.CreatedAt))
	if err != nil {
		return err
	}
	if adj.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE products SET current_stock = current_stock + ? WHERE id = ?`, adj.Adjustment, adj.ProductID)
	return err
}

func (t *ledgerTx) Enqueue(ctx context.Context, rec *domain.PendingSyncRecord) error {
	if rec.ClientMutationID == "" {
		return fmt.Errorf("enqueue %s: client mutation id is required", rec.TableName)
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = domain.SyncPending
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_sync (user_id, table_name, operation, record_data, client_mutation_id, entity_uid,
			sync_status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, rec.UserID, string(rec.TableName), string(rec.Operation), string(rec.RecordData), rec.ClientMutationID, rec.EntityUID,
		string(rec.SyncStatus), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return err
	}
	rec.ID, err = res.LastInsertId()
	return err
}

func scanProduct(row scanner) (domain.Product, error) {
	var (
		p                    domain.Product
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.UID, &p.RemoteID, &p.UserID, &p.Name, &p.SKU, &p.Description, &p.Category, &p.Unit,
		&p.CostPrice, &p.SellingPrice, &p.CurrentStock, &p.MinimumStock, &p.TrackStock, &p.Active, &p.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Product{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Product{}, err
	}
	return p, nil
}
