package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
)

//go:embed schema.sql
var schema string

// Store is the central ServerRepository. Every applied mutation commits
// together with its applied_mutations row.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const appliedColumns = `user_id, client_mutation_id, table_name, operation, entity_uid, remote_id, version, applied_at`

func (s *Store) FindAppliedMutation(ctx context.Context, userID string, clientMutationID string) (*domain.AppliedMutation, error) {
	return findApplied(ctx, s.db, userID, clientMutationID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findApplied(ctx context.Context, q queryer, userID, clientMutationID string) (*domain.AppliedMutation, error) {
	var applied domain.AppliedMutation
	var table, op string
	err := q.QueryRowContext(ctx, `
		SELECT `+appliedColumns+`
		FROM applied_mutations
		WHERE user_id = $1 AND client_mutation_id = $2
	`, userID, clientMutationID).Scan(
		&applied.UserID, &applied.ClientMutationID, &table, &op,
		&applied.EntityUID, &applied.RemoteID, &applied.Version, &applied.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	applied.TableName = domain.Table(table)
	applied.Operation = domain.Operation(op)
	return &applied, nil
}

const productColumns = `id, uid, user_id, name, sku, description, category, unit, cost_price, selling_price,
	current_stock, minimum_stock, track_stock, is_active, version, last_mutation_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID, &p.UID, &p.UserID, &p.Name, &p.SKU, &p.Description, &p.Category, &p.Unit,
		&p.CostPrice, &p.SellingPrice, &p.CurrentStock, &p.MinimumStock, &p.TrackStock,
		&p.Active, &p.Version, &p.LastMutationID, &p.CreatedAt, &p.UpdatedAt,
	)
	p.RemoteID = p.ID
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, userID string, uid string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE user_id = $1 AND uid = $2
	`, userID, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ApplyMutation(ctx context.Context, userID string, env mutation.Envelope, payload mutation.Payload) (*domain.AppliedMutation, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Claiming the key first serializes concurrent deliveries of the same
	// mutation: the loser blocks on the row and then sees it committed.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_mutations (user_id, client_mutation_id, table_name, operation, entity_uid)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id, client_mutation_id) DO NOTHING
	`, userID, env.ClientMutationID, string(env.TableName), string(env.Operation), payload.EntityUID())
	if err != nil {
		return nil, false, err
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if claimed == 0 {
		existing, err := findApplied(ctx, tx, userID, env.ClientMutationID)
		if err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}

	products, err := lockProducts(ctx, tx, userID, referencedProducts(payload))
	if err != nil {
		return nil, false, err
	}

	var remoteID, version int64
	switch p := payload.(type) {
	case mutation.ProductPayload:
		product, err := applyProduct(ctx, tx, userID, env, p, products)
		if err != nil {
			return nil, false, err
		}
		products[product.UID] = product
		remoteID, version = product.ID, product.Version
		if p.OpeningStock != nil && env.Operation == domain.OperationCreate {
			if err := moveStock(ctx, tx, userID, products, *p.OpeningStock, domain.ReasonOpeningStock, "", domain.TableProducts, p.UID); err != nil {
				return nil, false, err
			}
		}
	case mutation.SalePayload:
		remoteID, err = insertSale(ctx, tx, userID, p, products)
	case mutation.PurchasePayload:
		remoteID, err = insertPurchase(ctx, tx, userID, p, products)
	case mutation.ExpensePayload:
		remoteID, err = insertExpense(ctx, tx, userID, p)
	case mutation.StockAdjustmentPayload:
		delta := mutation.StockDelta{AdjustmentUID: p.UID, ProductUID: p.ProductUID, Delta: p.Delta}
		err = moveStock(ctx, tx, userID, products, delta, p.Reason, p.Notes, "", "")
		if err == nil {
			remoteID = products[p.ProductUID].LastAdjustmentID()
		}
	default:
		return nil, false, fmt.Errorf("%w: unsupported table %s", store.ErrValidation, payload.Table())
	}
	if err != nil {
		return nil, false, err
	}

	applied := domain.AppliedMutation{
		UserID:           userID,
		ClientMutationID: env.ClientMutationID,
		TableName:        env.TableName,
		Operation:        env.Operation,
		EntityUID:        payload.EntityUID(),
		RemoteID:         remoteID,
		Version:          version,
	}
	if err := tx.QueryRowContext(ctx, `
		UPDATE applied_mutations
		SET remote_id = $3, version = $4
		WHERE user_id = $1 AND client_mutation_id = $2
		RETURNING applied_at
	`, userID, env.ClientMutationID, remoteID, version).Scan(&applied.AppliedAt); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &applied, false, nil
}

func referencedProducts(payload mutation.Payload) []string {
	refs := mutation.ProductRefs(payload)
	seen := make(map[string]bool, len(refs))
	for _, uid := range refs {
		seen[uid] = true
	}
	for _, delta := range mutation.Deltas(payload) {
		if !seen[delta.ProductUID] {
			seen[delta.ProductUID] = true
			refs = append(refs, delta.ProductUID)
		}
	}
	if p, ok := payload.(mutation.ProductPayload); ok && !seen[p.UID] {
		refs = append(refs, p.UID)
	}
	return refs
}

// lockProducts locks the referenced products in id order. Missing products
// are absent from the result and surface through requireProduct.
func lockProducts(ctx context.Context, tx *sql.Tx, userID string, uids []string) (map[string]lockedProduct, error) {
	locked := make(map[string]lockedProduct, len(uids))
	if len(uids) == 0 {
		return locked, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE user_id = $1 AND uid = ANY($2)
		ORDER BY id
		FOR UPDATE
	`, userID, uids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		locked[product.UID] = lockedProduct{Product: product}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return locked, nil
}

// lockedProduct is a product row held under FOR UPDATE for the rest of the
// transaction.
type lockedProduct struct {
	domain.Product
	lastAdjustmentID int64
}

func (p lockedProduct) LastAdjustmentID() int64 { return p.lastAdjustmentID }

func requireProduct(products map[string]lockedProduct, uid string) (lockedProduct, error) {
	product, ok := products[uid]
	if !ok {
		return lockedProduct{}, fmt.Errorf("%w: unknown product %s", store.ErrValidation, uid)
	}
	return product, nil
}

func applyProduct(ctx context.Context, tx *sql.Tx, userID string, env mutation.Envelope, p mutation.ProductPayload, products map[string]lockedProduct) (lockedProduct, error) {
	if env.Operation == domain.OperationCreate {
		created, err := scanProduct(tx.QueryRowContext(ctx, `
			INSERT INTO products (user_id, uid, name, sku, description, category, unit, cost_price, selling_price,
				minimum_stock, track_stock, is_active, version, last_mutation_id, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,$13,now(),$14)
			RETURNING `+productColumns,
			userID, p.UID, p.Name, p.SKU, p.Description, p.Category, p.Unit, p.CostPrice, p.SellingPrice,
			p.MinimumStock, p.TrackStock, p.Active, env.ClientMutationID, updatedAt(p.UpdatedAt),
		))
		if err != nil {
			if isUniqueViolation(err) {
				return lockedProduct{}, fmt.Errorf("%w: product %s already exists", store.ErrValidation, p.UID)
			}
			return lockedProduct{}, err
		}
		return lockedProduct{Product: created}, nil
	}

	current, err := requireProduct(products, p.UID)
	if err != nil {
		return lockedProduct{}, err
	}
	if current.Version != p.BaseVersion {
		return lockedProduct{}, &store.ConflictError{Current: current.Product}
	}

	active := p.Active
	if env.Operation == domain.OperationDelete {
		active = false
	}
	updated, err := scanProduct(tx.QueryRowContext(ctx, `
		UPDATE products
		SET name = $3, sku = $4, description = $5, category = $6, unit = $7, cost_price = $8,
			selling_price = $9, minimum_stock = $10, track_stock = $11, is_active = $12,
			version = version + 1, last_mutation_id = $13, updated_at = $14
		WHERE user_id = $1 AND uid = $2
		RETURNING `+productColumns,
		userID, p.UID, p.Name, p.SKU, p.Description, p.Category, p.Unit, p.CostPrice,
		p.SellingPrice, p.MinimumStock, p.TrackStock, active, env.ClientMutationID, updatedAt(p.UpdatedAt),
	))
	if err != nil {
		return lockedProduct{}, err
	}
	return lockedProduct{Product: updated}, nil
}

func updatedAt(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}

// moveStock appends one stock_adjustments row and moves the product's
// current_stock by the same delta. Negative results are accepted: devices
// sell offline and the central ledger records what happened.
func moveStock(ctx context.Context, tx *sql.Tx, userID string, products map[string]lockedProduct, delta mutation.StockDelta, reason, notes string, sourceTable domain.Table, sourceUID string) error {
	product, err := requireProduct(products, delta.ProductUID)
	if err != nil {
		return err
	}

	previous := product.CurrentStock
	next := previous + delta.Delta
	var adjustmentID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stock_adjustments (user_id, uid, product_id, previous_stock, new_stock, adjustment, reason, notes, source_table, source_uid)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, userID, delta.AdjustmentUID, product.ID, previous, next, delta.Delta, reason, notes, string(sourceTable), sourceUID).Scan(&adjustmentID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: stock adjustment %s already exists", store.ErrValidation, delta.AdjustmentUID)
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products
		SET current_stock = current_stock + $2
		WHERE id = $1
	`, product.ID, delta.Delta); err != nil {
		return err
	}

	product.CurrentStock = next
	product.lastAdjustmentID = adjustmentID
	products[delta.ProductUID] = product
	return nil
}

func insertSale(ctx context.Context, tx *sql.Tx, userID string, p mutation.SalePayload, products map[string]lockedProduct) (int64, error) {
	var saleID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sales (user_id, uid, transaction_id, total_amount, amount_paid, balance, payment_method, customer_phone, notes, sale_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, userID, p.UID, p.TransactionID, p.TotalAmount, p.AmountPaid, p.Balance, p.PaymentMethod,
		p.CustomerPhone, p.Notes, updatedAt(p.SaleDate)).Scan(&saleID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: sale %s already exists", store.ErrValidation, p.UID)
		}
		return 0, err
	}

	for _, item := range p.Items {
		var productID sql.NullInt64
		if item.ProductUID != "" {
			product, err := requireProduct(products, item.ProductUID)
			if err != nil {
				return 0, err
			}
			productID = sql.NullInt64{Int64: product.ID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, product_name, unit_price, quantity, total_price)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, saleID, productID, item.ProductName, item.UnitPrice, item.Quantity, item.TotalPrice); err != nil {
			return 0, err
		}
	}

	for _, delta := range p.StockDeltas {
		if err := moveStock(ctx, tx, userID, products, delta, domain.ReasonSale, "", domain.TableSales, p.UID); err != nil {
			return 0, err
		}
	}
	return saleID, nil
}

func insertPurchase(ctx context.Context, tx *sql.Tx, userID string, p mutation.PurchasePayload, products map[string]lockedProduct) (int64, error) {
	product, err := requireProduct(products, p.ProductUID)
	if err != nil {
		return 0, err
	}

	var purchaseID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO purchases (user_id, uid, product_id, supplier_name, supplier_phone, quantity, unit_cost, total_cost, notes, purchase_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, userID, p.UID, product.ID, p.SupplierName, p.SupplierPhone, p.Quantity, p.UnitCost, p.TotalCost,
		p.Notes, updatedAt(p.PurchaseDate)).Scan(&purchaseID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: purchase %s already exists", store.ErrValidation, p.UID)
		}
		return 0, err
	}

	if err := moveStock(ctx, tx, userID, products, p.StockDelta, domain.ReasonPurchase, "", domain.TablePurchases, p.UID); err != nil {
		return 0, err
	}
	return purchaseID, nil
}

func insertExpense(ctx context.Context, tx *sql.Tx, userID string, p mutation.ExpensePayload) (int64, error) {
	var expenseID int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO expenses (user_id, uid, category, amount, description, payment_method, is_recurring, recurrence, expense_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, userID, p.UID, p.Category, p.Amount, p.Description, p.PaymentMethod, p.IsRecurring, p.Recurrence,
		updatedAt(p.ExpenseDate)).Scan(&expenseID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: expense %s already exists", store.ErrValidation, p.UID)
		}
		return 0, err
	}
	return expenseID, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

var _ store.ServerRepository = (*Store)(nil)
