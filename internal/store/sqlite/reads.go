package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

func (s *Store) GetProduct(ctx context.Context, userID string, id int64) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ? AND user_id = ?`, id, userID)
	p, err := scanProduct(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) GetProductByUID(ctx context.Context, userID string, uid string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE uid = ? AND user_id = ?`, uid, userID)
	p, err := scanProduct(row)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context, userID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const saleColumns = `id, uid, remote_id, user_id, transaction_id, total_amount, amount_paid, balance,
	payment_method, customer_phone, status, notes, sale_date, created_at`

func (s *Store) GetSale(ctx context.Context, userID string, id int64) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ? AND user_id = ?`, id, userID)
	sale, err := scanSale(row)
	if err != nil {
		return nil, notFound(err)
	}
	items, err := s.saleItems(ctx, []int64{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, userID string, filter domain.SaleFilter) ([]domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE user_id = ?`
	args := []any{userID}
	if filter.From != nil {
		query += ` AND sale_date >= ?`
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		query += ` AND sale_date <= ?`
		args = append(args, formatTime(*filter.To))
	}
	query += ` ORDER BY sale_date DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sales := make([]domain.Sale, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	items, err := s.saleItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) saleItems(ctx context.Context, saleIDs []int64) (map[int64][]domain.SaleItem, error) {
	out := make(map[int64][]domain.SaleItem, len(saleIDs))
	if len(saleIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(saleIDs)), ",")
	args := make([]any, 0, len(saleIDs))
	for _, id := range saleIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sale_id, COALESCE(product_id, 0), product_uid, product_name, unit_price, quantity, total_price
		FROM sale_items WHERE sale_id IN (`+placeholders+`) ORDER BY id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductUID, &item.ProductName,
			&item.UnitPrice, &item.Quantity, &item.TotalPrice); err != nil {
			return nil, err
		}
		out[item.SaleID] = append(out[item.SaleID], item)
	}
	return out, rows.Err()
}

func scanSale(row scanner) (domain.Sale, error) {
	var (
		sale                domain.Sale
		saleDate, createdAt string
	)
	err := row.Scan(&sale.ID, &sale.UID, &sale.RemoteID, &sale.UserID, &sale.TransactionID, &sale.TotalAmount,
		&sale.AmountPaid, &sale.Balance, &sale.PaymentMethod, &sale.CustomerPhone, &sale.Status, &sale.Notes,
		&saleDate, &createdAt)
	if err != nil {
		return domain.Sale{}, err
	}
	if sale.SaleDate, err = parseTime(saleDate); err != nil {
		return domain.Sale{}, err
	}
	if sale.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Sale{}, err
	}
	return sale, nil
}

func (s *Store) ListStockAdjustments(ctx context.Context, userID string, productID int64) ([]domain.StockAdjustment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.uid, a.remote_id, a.user_id, a.product_id, p.uid, a.previous_stock, a.new_stock,
			a.adjustment, a.reason, a.notes, a.source_table, a.source_uid, a.created_at
		FROM stock_adjustments a
		JOIN products p ON p.id = a.product_id
		WHERE a.user_id = ? AND a.product_id = ?
		ORDER BY a.id
	`, userID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockAdjustment, 0)
	for rows.Next() {
		var (
			adj         domain.StockAdjustment
			sourceTable string
			createdAt   string
		)
		if err := rows.Scan(&adj.ID, &adj.UID, &adj.RemoteID, &adj.UserID, &adj.ProductID, &adj.ProductUID,
			&adj.PreviousStock, &adj.NewStock, &adj.Adjustment, &adj.Reason, &adj.Notes, &sourceTable,
			&adj.SourceUID, &createdAt); err != nil {
			return nil, err
		}
		adj.SourceTable = domain.Table(sourceTable)
		if adj.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, adj)
	}
	return out, rows.Err()
}

func (s *Store) StockProjection(ctx context.Context, userID string, productID int64) (int, error) {
	if _, err := s.GetProduct(ctx, userID, productID); err != nil {
		return 0, err
	}
	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(adjustment), 0) FROM stock_adjustments WHERE user_id = ? AND product_id = ?
	`, userID, productID).Scan(&total)
	return total, err
}

var entityTables = map[domain.Table]bool{
	domain.TableProducts:         true,
	domain.TableSales:            true,
	domain.TablePurchases:        true,
	domain.TableExpenses:         true,
	domain.TableStockAdjustments: true,
}

func (s *Store) MarkEntitySynced(ctx context.Context, table domain.Table, uid string, remoteID int64, version int64) error {
	if !entityTables[table] {
		return fmt.Errorf("mark synced: unknown table %q", table)
	}
	var (
		res sql.Result
		err error
	)
	if table == domain.TableProducts {
		res, err = s.db.ExecContext(ctx, `UPDATE products SET remote_id = ?, version = MAX(version, ?) WHERE uid = ?`, remoteID, version, uid)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE `+string(table)+` SET remote_id = ? WHERE uid = ?`, remoteID, uid)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ApplyRemoteProduct(ctx context.Context, userID string, remote domain.Product) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = ?, sku = ?, description = ?, category = ?, unit = ?, cost_price = ?, selling_price = ?,
			minimum_stock = ?, track_stock = ?, is_active = ?, version = ?, updated_at = ?,
			remote_id = CASE WHEN ? > 0 THEN ? ELSE remote_id END
		WHERE uid = ? AND user_id = ?
	`, remote.Name, remote.SKU, remote.Description, remote.Category, remote.Unit, remote.CostPrice, remote.SellingPrice,
		remote.MinimumStock, remote.TrackStock, remote.Active, remote.Version, formatTime(remote.UpdatedAt),
		remote.ID, remote.ID, remote.UID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
