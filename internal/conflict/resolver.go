package conflict

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
)

// ErrUnresolvable is returned for conflicts the policy cannot settle, such
// as a conflict reported for an immutable entity.
var ErrUnresolvable = errors.New("conflict cannot be resolved")

type Outcome int

const (
	// KeepLocal means the local edit is newer; Envelope holds it rebased onto
	// the remote version and must be sent again.
	KeepLocal Outcome = iota + 1
	// AcceptRemote means the remote state is newer; Remote must be adopted
	// locally and the local edit dropped.
	AcceptRemote
)

func (o Outcome) String() string {
	switch o {
	case KeepLocal:
		return "keep_local"
	case AcceptRemote:
		return "accept_remote"
	}
	return "unknown"
}

type Resolution struct {
	Outcome  Outcome
	Envelope mutation.Envelope
	Remote   domain.Product
}

// Resolver settles concurrent product edits with last-writer-wins on
// updated_at. Equal timestamps fall back to comparing mutation ids, which are
// time-ordered UUIDs, so every device reaches the same verdict.
//
// Stock is never part of a resolution: it only moves through deltas, which
// commute.
type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

func (r *Resolver) Resolve(local mutation.Envelope, remote domain.Product) (Resolution, error) {
	if local.TableName != domain.TableProducts {
		return Resolution{}, fmt.Errorf("%w: %s records are immutable", ErrUnresolvable, local.TableName)
	}
	payload, err := mutation.Decode(local)
	if err != nil {
		return Resolution{}, fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	edit, ok := payload.(mutation.ProductPayload)
	if !ok {
		return Resolution{}, fmt.Errorf("%w: unexpected payload %T", ErrUnresolvable, payload)
	}
	if edit.UID != remote.UID {
		return Resolution{}, fmt.Errorf("%w: remote product %s does not match %s", ErrUnresolvable, remote.UID, edit.UID)
	}
	if local.Operation == domain.OperationCreate {
		return Resolution{}, fmt.Errorf("%w: product %s was created twice", ErrUnresolvable, edit.UID)
	}

	if !LocalWins(edit, local.ClientMutationID, remote) {
		r.logger.Info("conflict resolved for remote",
			zap.String("product_uid", remote.UID),
			zap.Int64("remote_version", remote.Version),
			zap.Time("local_updated_at", edit.UpdatedAt),
			zap.Time("remote_updated_at", remote.UpdatedAt),
		)
		return Resolution{Outcome: AcceptRemote, Remote: remote}, nil
	}

	rebased, err := Rebase(local, edit, remote.Version)
	if err != nil {
		return Resolution{}, err
	}
	r.logger.Info("conflict resolved for local edit",
		zap.String("product_uid", remote.UID),
		zap.Int64("base_version", remote.Version),
		zap.String("client_mutation_id", local.ClientMutationID),
	)
	return Resolution{Outcome: KeepLocal, Envelope: rebased, Remote: remote}, nil
}

// LocalWins reports whether the local edit is the last writer.
func LocalWins(edit mutation.ProductPayload, mutationID string, remote domain.Product) bool {
	switch {
	case edit.UpdatedAt.After(remote.UpdatedAt):
		return true
	case edit.UpdatedAt.Before(remote.UpdatedAt):
		return false
	}
	return mutationID > remote.LastMutationID
}

// Rebase re-encodes edit against baseVersion under the same mutation id.
func Rebase(env mutation.Envelope, edit mutation.ProductPayload, baseVersion int64) (mutation.Envelope, error) {
	edit.BaseVersion = baseVersion
	rebased, err := mutation.New(env.Operation, edit, env.ClientMutationID)
	if err != nil {
		return mutation.Envelope{}, fmt.Errorf("%w: rebase: %v", ErrUnresolvable, err)
	}
	return rebased, nil
}
