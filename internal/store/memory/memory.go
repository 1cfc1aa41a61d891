package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// Store is an in-process LocalStore. Product rows are guarded by per-product
// locks held for the lifetime of a ledger transaction. A lock is a channel
// with one slot so that waiting for it can be abandoned with the context.
type Store struct {
	mu sync.RWMutex

	seq map[domain.Table]int64

	products    map[int64]domain.Product
	productUIDs map[string]int64
	sales       map[int64]domain.Sale
	saleUIDs    map[string]int64
	purchases   map[int64]domain.Purchase
	purchaseUID map[string]int64
	expenses    map[int64]domain.Expense
	expenseUIDs map[string]int64
	adjustments []domain.StockAdjustment
	adjustUIDs  map[string]int

	queueSeq   int64
	queue      map[int64]domain.PendingSyncRecord
	queueOrder []int64

	locksMu      sync.Mutex
	productLocks map[int64]chan struct{}

	leases map[string]lease
}

type lease struct {
	holder    string
	expiresAt time.Time
}

func New() *Store {
	return &Store{
		seq:          make(map[domain.Table]int64),
		products:     make(map[int64]domain.Product),
		productUIDs:  make(map[string]int64),
		sales:        make(map[int64]domain.Sale),
		saleUIDs:     make(map[string]int64),
		purchases:    make(map[int64]domain.Purchase),
		purchaseUID:  make(map[string]int64),
		expenses:     make(map[int64]domain.Expense),
		expenseUIDs:  make(map[string]int64),
		adjustUIDs:   make(map[string]int),
		queue:        make(map[int64]domain.PendingSyncRecord),
		productLocks: make(map[int64]chan struct{}),
		leases:       make(map[string]lease),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) nextID(table domain.Table) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[table]++
	return s.seq[table]
}

func (s *Store) productLock(id int64) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.productLocks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.productLocks[id] = lock
	}
	return lock
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &ledgerTx{
		s:        s,
		locked:   make(map[int64]domain.Product),
		inserted: make(map[int64]bool),
		updated:  make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) GetProduct(_ context.Context, userID string, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	product, ok := s.products[id]
	if !ok || product.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) GetProductByUID(ctx context.Context, userID string, uid string) (*domain.Product, error) {
	s.mu.RLock()
	id, ok := s.productUIDs[uid]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, userID, id)
}

func (s *Store) ListProducts(_ context.Context, userID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetSale(_ context.Context, userID string, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok || sale.UserID != userID {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) ListSales(_ context.Context, userID string, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	matched := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if sale.UserID != userID {
			continue
		}
		if filter.From != nil && sale.SaleDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && sale.SaleDate.After(*filter.To) {
			continue
		}
		matched = append(matched, *cloneSale(sale))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].SaleDate.Equal(matched[j].SaleDate) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].SaleDate.After(matched[j].SaleDate)
	})
	return page(matched, filter.Limit, filter.Offset), nil
}

func (s *Store) ListStockAdjustments(_ context.Context, userID string, productID int64) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StockAdjustment, 0)
	for _, adj := range s.adjustments {
		if adj.UserID == userID && adj.ProductID == productID {
			out = append(out, adj)
		}
	}
	return out, nil
}

func (s *Store) StockProjection(ctx context.Context, userID string, productID int64) (int, error) {
	if _, err := s.GetProduct(ctx, userID, productID); err != nil {
		return 0, err
	}
	adjustments, err := s.ListStockAdjustments(ctx, userID, productID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, adj := range adjustments {
		total += adj.Adjustment
	}
	return total, nil
}

func (s *Store) MarkEntitySynced(_ context.Context, table domain.Table, uid string, remoteID int64, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch table {
	case domain.TableProducts:
		id, ok := s.productUIDs[uid]
		if !ok {
			return store.ErrNotFound
		}
		p := s.products[id]
		p.RemoteID = remoteID
		if version > p.Version {
			p.Version = version
		}
		s.products[id] = p
	case domain.TableSales:
		id, ok := s.saleUIDs[uid]
		if !ok {
			return store.ErrNotFound
		}
		sale := s.sales[id]
		sale.RemoteID = remoteID
		s.sales[id] = sale
	case domain.TablePurchases:
		id, ok := s.purchaseUID[uid]
		if !ok {
			return store.ErrNotFound
		}
		purchase := s.purchases[id]
		purchase.RemoteID = remoteID
		s.purchases[id] = purchase
	case domain.TableExpenses:
		id, ok := s.expenseUIDs[uid]
		if !ok {
			return store.ErrNotFound
		}
		expense := s.expenses[id]
		expense.RemoteID = remoteID
		s.expenses[id] = expense
	case domain.TableStockAdjustments:
		idx, ok := s.adjustUIDs[uid]
		if !ok {
			return store.ErrNotFound
		}
		s.adjustments[idx].RemoteID = remoteID
	default:
		return fmt.Errorf("mark synced: unknown table %q", table)
	}
	return nil
}

func (s *Store) ApplyRemoteProduct(_ context.Context, userID string, remote domain.Product) error {
	s.mu.RLock()
	id, ok := s.productUIDs[remote.UID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrNotFound
	}

	lock := s.productLock(id)
	lock <- struct{}{}
	defer func() { <-lock }()

	s.mu.Lock()
	defer s.mu.Unlock()
	local := s.products[id]
	if local.UserID != userID {
		return store.ErrNotFound
	}
	copyScalars(&local, remote)
	local.Version = remote.Version
	local.UpdatedAt = remote.UpdatedAt
	if remote.ID > 0 {
		local.RemoteID = remote.ID
	}
	s.products[id] = local
	return nil
}

func copyScalars(dst *domain.Product, src domain.Product) {
	dst.Name = src.Name
	dst.SKU = src.SKU
	dst.Description = src.Description
	dst.Category = src.Category
	dst.Unit = src.Unit
	dst.CostPrice = src.CostPrice
	dst.SellingPrice = src.SellingPrice
	dst.MinimumStock = src.MinimumStock
	dst.TrackStock = src.TrackStock
	dst.Active = src.Active
}

func cloneSale(sale domain.Sale) *domain.Sale {
	out := sale
	out.Items = append([]domain.SaleItem(nil), sale.Items...)
	return &out
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type ledgerTx struct {
	s        *Store
	held     []chan struct{}
	locked   map[int64]domain.Product
	inserted map[int64]bool
	updated  map[int64]bool

	sales       []domain.Sale
	purchases   []domain.Purchase
	expenses    []domain.Expense
	adjustments []domain.StockAdjustment
	queue       []*domain.PendingSyncRecord
}

func (tx *ledgerTx) LockProducts(ctx context.Context, userID string, ids []int64) (map[int64]domain.Product, error) {
	ordered := uniqueSorted(ids)
	out := make(map[int64]domain.Product, len(ordered))
	for _, id := range ordered {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p, ok := tx.locked[id]; ok {
			out[id] = p
			continue
		}
		lock := tx.s.productLock(id)
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		tx.held = append(tx.held, lock)

		tx.s.mu.RLock()
		p, ok := tx.s.products[id]
		tx.s.mu.RUnlock()
		if !ok || p.UserID != userID {
			return nil, fmt.Errorf("product %d: %w", id, store.ErrNotFound)
		}
		tx.locked[id] = p
		out[id] = p
	}
	return out, nil
}

func (tx *ledgerTx) InsertProduct(_ context.Context, product *domain.Product) error {
	tx.s.mu.RLock()
	_, exists := tx.s.productUIDs[product.UID]
	tx.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("product %s already exists", product.UID)
	}
	product.ID = tx.s.nextID(domain.TableProducts)
	product.CurrentStock = 0
	tx.locked[product.ID] = *product
	tx.inserted[product.ID] = true
	return nil
}

func (tx *ledgerTx) UpdateProduct(_ context.Context, product *domain.Product) error {
	staged, ok := tx.locked[product.ID]
	if !ok {
		return fmt.Errorf("product %d is not locked", product.ID)
	}
	copyScalars(&staged, *product)
	staged.UpdatedAt = product.UpdatedAt
	tx.locked[product.ID] = staged
	tx.updated[product.ID] = true
	product.CurrentStock = staged.CurrentStock
	return nil
}

func (tx *ledgerTx) InsertSale(_ context.Context, sale *domain.Sale) error {
	sale.ID = tx.s.nextID(domain.TableSales)
	for i := range sale.Items {
		sale.Items[i].ID = tx.s.nextID("sale_items")
		sale.Items[i].SaleID = sale.ID
	}
	tx.sales = append(tx.sales, *cloneSale(*sale))
	return nil
}

func (tx *ledgerTx) InsertPurchase(_ context.Context, purchase *domain.Purchase) error {
	purchase.ID = tx.s.nextID(domain.TablePurchases)
	tx.purchases = append(tx.purchases, *purchase)
	return nil
}

func (tx *ledgerTx) InsertExpense(_ context.Context, expense *domain.Expense) error {
	expense.ID = tx.s.nextID(domain.TableExpenses)
	tx.expenses = append(tx.expenses, *expense)
	return nil
}

func (tx *ledgerTx) AppendStockDelta(_ context.Context, adj *domain.StockAdjustment) error {
	p, ok := tx.locked[adj.ProductID]
	if !ok {
		return fmt.Errorf("product %d is not locked", adj.ProductID)
	}
	adj.ID = tx.s.nextID(domain.TableStockAdjustments)
	adj.ProductUID = p.UID
	adj.PreviousStock = p.CurrentStock
	adj.NewStock = p.CurrentStock + adj.Adjustment
	p.CurrentStock = adj.NewStock
	tx.locked[adj.ProductID] = p
	tx.adjustments = append(tx.adjustments, *adj)
	return nil
}

func (tx *ledgerTx) Enqueue(_ context.Context, rec *domain.PendingSyncRecord) error {
	if rec.ClientMutationID == "" {
		return fmt.Errorf("enqueue %s: client mutation id is required", rec.TableName)
	}
	tx.queue = append(tx.queue, rec)
	return nil
}

// commit publishes staged rows. Queue ids are assigned here so that id order
// matches commit order.
func (tx *ledgerTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, staged := range tx.locked {
		switch {
		case tx.inserted[id]:
			s.products[id] = staged
			s.productUIDs[staged.UID] = id
		case tx.updated[id]:
			current := s.products[id]
			copyScalars(&current, staged)
			current.UpdatedAt = staged.UpdatedAt
			current.CurrentStock = staged.CurrentStock
			s.products[id] = current
		default:
			current := s.products[id]
			current.CurrentStock = staged.CurrentStock
			s.products[id] = current
		}
	}
	for _, sale := range tx.sales {
		s.sales[sale.ID] = sale
		s.saleUIDs[sale.UID] = sale.ID
	}
	for _, purchase := range tx.purchases {
		s.purchases[purchase.ID] = purchase
		s.purchaseUID[purchase.UID] = purchase.ID
	}
	for _, expense := range tx.expenses {
		s.expenses[expense.ID] = expense
		s.expenseUIDs[expense.UID] = expense.ID
	}
	for _, adj := range tx.adjustments {
		s.adjustments = append(s.adjustments, adj)
		s.adjustUIDs[adj.UID] = len(s.adjustments) - 1
	}
	for _, rec := range tx.queue {
		s.queueSeq++
		rec.ID = s.queueSeq
		if rec.SyncStatus == "" {
			rec.SyncStatus = domain.SyncPending
		}
		s.queue[rec.ID] = *rec
		s.queueOrder = append(s.queueOrder, rec.ID)
	}
}

func (tx *ledgerTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		<-tx.held[i]
	}
	tx.held = nil
}

func uniqueSorted(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ store.LocalStore = (*Store)(nil)
