package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
)

const (
	BatchStatusAccepted  = "accepted"
	BatchStatusDuplicate = "duplicate"
	BatchStatusRejected  = "rejected"
	BatchStatusConflict  = "conflict"
)

const maxBatchSize = 500

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the remote side of the sync protocol: it validates incoming
// mutations and applies each one exactly once per user.
type Service struct {
	repo     store.ServerRepository
	cache    cache.AppliedMutationCache
	cacheTTL time.Duration
	logger   *zap.Logger
}

func New(repo store.ServerRepository, appliedCache cache.AppliedMutationCache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if appliedCache == nil {
		appliedCache = cache.NoopAppliedMutationCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:     repo,
		cache:    appliedCache,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Apply validates env and applies it for userID. A client mutation id that
// was already applied returns the original result with status duplicate.
func (s *Service) Apply(ctx context.Context, userID string, env mutation.Envelope) (domain.ApplyResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ApplyResult{}, fmt.Errorf("%w: user id is required", store.ErrValidation)
	}

	payload, err := mutation.Decode(env)
	if err != nil {
		s.logger.Info("mutation rejected",
			zap.String("user_id", userID),
			zap.String("client_mutation_id", env.ClientMutationID),
			zap.Error(err),
		)
		return domain.ApplyResult{}, err
	}

	if cached, ok, err := s.cache.Get(ctx, userID, env.ClientMutationID); err != nil {
		s.logger.Warn("applied mutation cache read failed", zap.String("user_id", userID), zap.Error(err))
	} else if ok {
		return cached.Result(domain.ApplyStatusDuplicate), nil
	}

	applied, duplicate, err := s.repo.ApplyMutation(ctx, userID, env, payload)
	if err != nil {
		var conflict *store.ConflictError
		switch {
		case errors.As(err, &conflict):
			s.logger.Info("mutation conflicts with remote state",
				zap.String("user_id", userID),
				zap.String("client_mutation_id", env.ClientMutationID),
				zap.String("product_uid", conflict.Current.UID),
				zap.Int64("version", conflict.Current.Version),
			)
		case errors.Is(err, store.ErrValidation):
			s.logger.Info("mutation rejected", zap.String("user_id", userID), zap.String("client_mutation_id", env.ClientMutationID), zap.Error(err))
		default:
			s.logger.Error("apply mutation failed", zap.String("user_id", userID), zap.String("client_mutation_id", env.ClientMutationID), zap.Error(err))
		}
		return domain.ApplyResult{}, err
	}

	if err := s.cache.Set(ctx, *applied, s.cacheTTL); err != nil {
		s.logger.Warn("applied mutation cache write failed", zap.String("user_id", userID), zap.Error(err))
	}

	status := domain.ApplyStatusApplied
	if duplicate {
		status = domain.ApplyStatusDuplicate
	} else {
		s.logger.Info("mutation applied",
			zap.String("user_id", userID),
			zap.String("table", string(applied.TableName)),
			zap.String("operation", string(applied.Operation)),
			zap.String("client_mutation_id", applied.ClientMutationID),
			zap.Int64("remote_id", applied.RemoteID),
		)
	}
	return applied.Result(status), nil
}

// ApplyBatch applies envs in order and reports a status per mutation.
// Storage failures abort the batch so the caller retries the remainder.
func (s *Service) ApplyBatch(ctx context.Context, userID string, envs []mutation.Envelope) ([]domain.BatchApplyStatus, error) {
	if len(envs) == 0 {
		return nil, fmt.Errorf("%w: at least one mutation is required", store.ErrValidation)
	}
	if len(envs) > maxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d mutations", store.ErrValidation, maxBatchSize)
	}

	statuses := make([]domain.BatchApplyStatus, 0, len(envs))
	for _, env := range envs {
		result, err := s.Apply(ctx, userID, env)
		status := domain.BatchApplyStatus{ClientMutationID: env.ClientMutationID}
		switch {
		case err == nil:
			status.Status = BatchStatusAccepted
			if result.Duplicate() {
				status.Status = BatchStatusDuplicate
			}
			status.RemoteID = result.RemoteID
			status.Version = result.Version
		case errors.Is(err, store.ErrConflict):
			status.Status = BatchStatusConflict
			status.Reason = err.Error()
		case errors.Is(err, mutation.ErrInvalid), errors.Is(err, store.ErrValidation):
			status.Status = BatchStatusRejected
			status.Reason = err.Error()
		default:
			return statuses, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *Service) GetProduct(ctx context.Context, userID string, uid string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, userID, strings.TrimSpace(uid))
}

func (s *Service) Schema(table string) (any, error) {
	schema, err := mutation.Schema(domain.Table(table))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}
	return schema, nil
}
