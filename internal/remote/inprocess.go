package remote

import (
	"context"
	"errors"
	"sync/atomic"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/store"
)

// Applier is the server-side apply call, implemented by service.Service.
type Applier interface {
	Apply(ctx context.Context, userID string, env mutation.Envelope) (domain.ApplyResult, error)
}

// InProcess calls an Applier directly with the same error mapping as the
// HTTP client. It can be switched offline to simulate lost connectivity.
type InProcess struct {
	applier Applier
	offline atomic.Bool
}

func NewInProcess(applier Applier) *InProcess {
	return &InProcess{applier: applier}
}

func (p *InProcess) SetOnline(online bool) {
	p.offline.Store(!online)
}

func (p *InProcess) Apply(ctx context.Context, userID string, env mutation.Envelope) (domain.ApplyResult, error) {
	if p.offline.Load() {
		return domain.ApplyResult{}, transient("remote unreachable")
	}
	if err := ctx.Err(); err != nil {
		return domain.ApplyResult{}, err
	}
	result, err := p.applier.Apply(ctx, userID, env)
	if err != nil {
		return domain.ApplyResult{}, MapError(err)
	}
	return result, nil
}

func (p *InProcess) Ping(ctx context.Context) error {
	if p.offline.Load() {
		return transient("remote unreachable")
	}
	return ctx.Err()
}

// MapError converts a server-side apply error into the client taxonomy.
func MapError(err error) error {
	var conflict *store.ConflictError
	switch {
	case errors.As(err, &conflict):
		return &ConflictError{Current: conflict.Current}
	case errors.Is(err, mutation.ErrInvalid), errors.Is(err, store.ErrValidation):
		return &RejectedError{Reason: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &TransientError{Cause: err}
	case errors.Is(err, context.Canceled):
		return err
	}
	return &TransientError{Cause: err}
}

var _ Store = (*InProcess)(nil)
