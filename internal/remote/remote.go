package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
)

var (
	// ErrTransient covers failures worth retrying: timeouts, network errors,
	// throttling and 5xx responses.
	ErrTransient = errors.New("transient remote failure")
	ErrRejected  = errors.New("mutation rejected by remote")
	ErrConflict  = errors.New("remote conflict detected")
)

// Store is the device's view of the central store.
type Store interface {
	// Apply delivers one mutation. Applying the same client mutation id twice
	// must succeed without applying it again.
	Apply(ctx context.Context, userID string, env mutation.Envelope) (domain.ApplyResult, error)
	Ping(ctx context.Context) error
}

// RejectedError is a permanent validation rejection.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrRejected, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ConflictError carries the remote product that made the edit stale.
type ConflictError struct {
	Current domain.Product
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: product %s is at version %d", ErrConflict, e.Current.UID, e.Current.Version)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransientError wraps the cause of a retryable failure.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTransient, e.Cause)
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

func transient(format string, args ...any) error {
	return &TransientError{Cause: fmt.Errorf(format, args...)}
}

// TokenSource returns the bearer token for a user.
type TokenSource interface {
	Token(ctx context.Context, userID string) (string, error)
}

// StaticTokens serves fixed tokens per user.
type StaticTokens struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewStaticTokens(tokens map[string]string) *StaticTokens {
	copied := make(map[string]string, len(tokens))
	for user, token := range tokens {
		copied[user] = token
	}
	return &StaticTokens{tokens: copied}
}

func (s *StaticTokens) Set(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = token
}

func (s *StaticTokens) Token(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[userID]
	if !ok || token == "" {
		return "", fmt.Errorf("no token for user %q", userID)
	}
	return token, nil
}
