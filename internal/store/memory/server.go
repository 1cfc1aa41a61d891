package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
)

// ServerStore is an in-process ServerRepository with the same apply
// semantics as the postgres implementation.
type ServerStore struct {
	mu sync.Mutex

	now      func() time.Time
	seq      map[domain.Table]int64
	products map[string]domain.Product
	entities map[string]int64
	applied  map[string]domain.AppliedMutation
	order    []string
}

func NewServer() *ServerStore {
	return &ServerStore{
		now:      func() time.Time { return time.Now().UTC() },
		seq:      make(map[domain.Table]int64),
		products: make(map[string]domain.Product),
		entities: make(map[string]int64),
		applied:  make(map[string]domain.AppliedMutation),
	}
}

func scopedKey(userID, id string) string {
	return userID + "/" + id
}

func (s *ServerStore) FindAppliedMutation(_ context.Context, userID string, clientMutationID string) (*domain.AppliedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied, ok := s.applied[scopedKey(userID, clientMutationID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &applied, nil
}

// AppliedOrder lists the mutation ids applied for userID in arrival order.
func (s *ServerStore) AppliedOrder(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.order))
	for _, key := range s.order {
		applied := s.applied[key]
		if applied.UserID == userID {
			out = append(out, applied.ClientMutationID)
		}
	}
	return out
}

func (s *ServerStore) GetProduct(_ context.Context, userID string, uid string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	product, ok := s.products[scopedKey(userID, uid)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *ServerStore) ApplyMutation(_ context.Context, userID string, env mutation.Envelope, payload mutation.Payload) (*domain.AppliedMutation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopedKey(userID, env.ClientMutationID)
	if existing, ok := s.applied[key]; ok {
		return &existing, true, nil
	}

	if err := s.checkProducts(userID, payload); err != nil {
		return nil, false, err
	}

	now := s.now()
	applied := domain.AppliedMutation{
		UserID:           userID,
		ClientMutationID: env.ClientMutationID,
		TableName:        env.TableName,
		Operation:        env.Operation,
		EntityUID:        payload.EntityUID(),
		AppliedAt:        now,
	}

	switch p := payload.(type) {
	case mutation.ProductPayload:
		product, err := s.applyProduct(userID, env, p, now)
		if err != nil {
			return nil, false, err
		}
		applied.RemoteID = product.ID
		applied.Version = product.Version
	default:
		entityKey := scopedKey(userID, string(payload.Table())+"/"+payload.EntityUID())
		if _, exists := s.entities[entityKey]; exists {
			return nil, false, fmt.Errorf("%w: %s %s already exists", store.ErrValidation, payload.Table(), payload.EntityUID())
		}
		s.seq[payload.Table()]++
		s.entities[entityKey] = s.seq[payload.Table()]
		applied.RemoteID = s.seq[payload.Table()]
		s.moveStock(userID, mutation.Deltas(payload))
	}

	s.applied[key] = applied
	s.order = append(s.order, key)
	return &applied, false, nil
}

func (s *ServerStore) applyProduct(userID string, env mutation.Envelope, p mutation.ProductPayload, now time.Time) (domain.Product, error) {
	key := scopedKey(userID, p.UID)
	current, exists := s.products[key]

	if env.Operation == domain.OperationCreate {
		if exists {
			return domain.Product{}, fmt.Errorf("%w: product %s already exists", store.ErrValidation, p.UID)
		}
		s.seq[domain.TableProducts]++
		product := productFromPayload(p)
		product.ID = s.seq[domain.TableProducts]
		product.UserID = userID
		product.Version = 1
		product.LastMutationID = env.ClientMutationID
		product.CreatedAt = now
		s.products[key] = product
		if p.OpeningStock != nil {
			s.moveStock(userID, []mutation.StockDelta{*p.OpeningStock})
		}
		return s.products[key], nil
	}

	if !exists {
		return domain.Product{}, fmt.Errorf("%w: unknown product %s", store.ErrValidation, p.UID)
	}
	if current.Version != p.BaseVersion {
		return domain.Product{}, &store.ConflictError{Current: current}
	}
	next := productFromPayload(p)
	copyScalars(&current, next)
	if env.Operation == domain.OperationDelete {
		current.Active = false
	}
	current.UpdatedAt = p.UpdatedAt
	current.LastMutationID = env.ClientMutationID
	current.Version++
	s.products[key] = current
	return current, nil
}

// checkProducts runs before any write so a rejected mutation leaves no
// partial stock movement behind.
func (s *ServerStore) checkProducts(userID string, payload mutation.Payload) error {
	for _, uid := range mutation.ProductRefs(payload) {
		if _, ok := s.products[scopedKey(userID, uid)]; !ok {
			return fmt.Errorf("%w: unknown product %s", store.ErrValidation, uid)
		}
	}
	return nil
}

func (s *ServerStore) moveStock(userID string, deltas []mutation.StockDelta) {
	for _, delta := range deltas {
		key := scopedKey(userID, delta.ProductUID)
		product := s.products[key]
		product.CurrentStock += delta.Delta
		s.products[key] = product
	}
}

func productFromPayload(p mutation.ProductPayload) domain.Product {
	return domain.Product{
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
		UpdatedAt:    p.UpdatedAt,
	}
}

var _ store.ServerRepository = (*ServerStore)(nil)
