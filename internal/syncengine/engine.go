package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerpos/backend/internal/conflict"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/mutation"
	"ledgerpos/backend/internal/remote"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/syncqueue"
	"ledgerpos/backend/internal/xid"
)

// ErrCycleInFlight is returned by SyncNow when a cycle for the same user is
// already running, in this engine or in another process sharing the store.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDraining Phase = "draining"
	PhaseWaiting  Phase = "waiting"
)

type State struct {
	Phase     Phase        `json:"phase"`
	WaitUntil *time.Time   `json:"wait_until,omitempty"`
	LastCycle *CycleResult `json:"last_cycle,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// CycleResult counts what one drain pass did.
type CycleResult struct {
	UserID     string     `json:"user_id"`
	Sent       int        `json:"sent"`
	Synced     int        `json:"synced"`
	Duplicates int        `json:"duplicates"`
	Rejected   int        `json:"rejected"`
	Failed     int        `json:"failed"`
	Conflicts  int        `json:"conflicts"`
	Retried    int        `json:"retried"`
	NextWake   *time.Time `json:"next_wake,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

type Options struct {
	BatchSize     int
	RemoteTimeout time.Duration
	Interval      time.Duration
	ProbeInterval time.Duration
	// LeaseTTL bounds how long a stored sync lease outlives a crashed holder.
	LeaseTTL      time.Duration
}

func (o Options) normalized() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = syncqueue.DefaultBatchSize
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = 10 * time.Second
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 15 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 3 * o.RemoteTimeout
	}
	return o
}

// Engine drains the local queue of each user into the remote store.
type Engine struct {
	store    store.LocalStore
	queue    *syncqueue.Queue
	remote   remote.Store
	resolver *conflict.Resolver
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
	holder   string

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	states   map[string]State
	signals  map[string]chan struct{}
}

func New(st store.LocalStore, queue *syncqueue.Queue, rs remote.Store, resolver *conflict.Resolver, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if resolver == nil {
		resolver = conflict.NewResolver(logger)
	}
	return &Engine{
		store:    st,
		queue:    queue,
		remote:   rs,
		resolver: resolver,
		opts:     opts.normalized(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		holder:   xid.UID(),
		inFlight: make(map[string]context.CancelFunc),
		states:   make(map[string]State),
		signals:  make(map[string]chan struct{}),
	}
}

func (e *Engine) State(userID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.states[userID]
	if !ok {
		return State{Phase: PhaseIdle}
	}
	return state
}

// Request asks the background loop of userID to run a cycle. It never
// blocks; requests made while one is pending are merged.
func (e *Engine) Request(userID string) {
	select {
	case e.signal(userID) <- struct{}{}:
	default:
	}
}

// Interrupt cancels the running cycle of userID, if any.
func (e *Engine) Interrupt(userID string) {
	e.mu.Lock()
	cancel := e.inFlight[userID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) signal(userID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.signals[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		e.signals[userID] = ch
	}
	return ch
}

func (e *Engine) begin(userID string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[userID]; busy {
		return false
	}
	e.inFlight[userID] = cancel
	return true
}

func (e *Engine) abandon(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, userID)
}

func (e *Engine) markDraining(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.states[userID]
	state.Phase = PhaseDraining
	state.WaitUntil = nil
	e.states[userID] = state
}

// acquireLease takes or extends the stored lease that keeps other
// processes on the same store from draining userID concurrently.
func (e *Engine) acquireLease(ctx context.Context, userID string) error {
	now := e.now()
	held, err := e.store.AcquireSyncLease(ctx, userID, e.holder, now, now.Add(e.opts.LeaseTTL))
	if err != nil {
		return fmt.Errorf("acquire sync lease: %w", err)
	}
	if !held {
		return ErrCycleInFlight
	}
	return nil
}

func (e *Engine) releaseLease(ctx context.Context, userID string) {
	if err := e.store.ReleaseSyncLease(context.WithoutCancel(ctx), userID, e.holder); err != nil {
		e.logger.Warn("release sync lease", zap.String("user_id", userID), zap.Error(err))
	}
}

func (e *Engine) finish(userID string, result CycleResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, userID)

	state := State{Phase: PhaseIdle, LastCycle: &result}
	if result.NextWake != nil {
		state.Phase = PhaseWaiting
		state.WaitUntil = result.NextWake
	}
	if err != nil {
		state.LastError = err.Error()
	}
	e.states[userID] = state
}

// SyncNow runs one cycle for userID and returns when the queue is drained,
// the head record is backing off, or ctx is done.
func (e *Engine) SyncNow(ctx context.Context, userID string) (CycleResult, error) {
	if userID == "" {
		return CycleResult{}, fmt.Errorf("%w: user id is required", store.ErrValidation)
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.begin(userID, cancel) {
		return CycleResult{}, ErrCycleInFlight
	}
	if err := e.acquireLease(cycleCtx, userID); err != nil {
		e.abandon(userID)
		if errors.Is(err, ErrCycleInFlight) {
			e.logger.Debug("sync lease held by another process", zap.String("user_id", userID))
		}
		return CycleResult{}, err
	}
	e.markDraining(userID)

	result := CycleResult{UserID: userID, StartedAt: e.now()}
	err := e.drain(cycleCtx, userID, &result)
	result.FinishedAt = e.now()
	// The lease goes before the in-flight slot so a follow-up cycle of this
	// engine never runs without it.
	e.releaseLease(ctx, userID)
	e.finish(userID, result, err)

	fields := []zap.Field{
		zap.String("user_id", userID),
		zap.Int("sent", result.Sent),
		zap.Int("synced", result.Synced),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("retried", result.Retried),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	}
	if result.NextWake != nil {
		fields = append(fields, zap.Time("next_wake", *result.NextWake))
	}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		e.logger.Info("sync cycle interrupted", fields...)
	case err != nil:
		e.logger.Error("sync cycle failed", append(fields, zap.Error(err))...)
	case result.Sent > 0 || result.NextWake != nil:
		e.logger.Info("sync cycle finished", fields...)
	default:
		e.logger.Debug("sync cycle finished", fields...)
	}
	return result, err
}

func (e *Engine) drain(ctx context.Context, userID string, result *CycleResult) error {
	for {
		batch, err := e.queue.DequeueBatch(ctx, userID, e.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := e.queue.MarkSyncing(ctx, recordIDs(batch)); err != nil {
			return err
		}

		for i, rec := range batch {
			if !rec.Due(e.now()) {
				result.NextWake = rec.NextRetryAt
				return e.release(ctx, batch[i:])
			}
			if err := e.acquireLease(ctx, userID); err != nil {
				if releaseErr := e.release(ctx, batch[i:]); releaseErr != nil {
					e.logger.Error("release unsent records", zap.String("user_id", userID), zap.Error(releaseErr))
				}
				return err
			}

			stop, err := e.deliver(ctx, userID, rec, result)
			if err != nil {
				if releaseErr := e.release(ctx, batch[i:]); releaseErr != nil {
					e.logger.Error("release unsent records", zap.String("user_id", userID), zap.Error(releaseErr))
				}
				return err
			}
			if stop {
				return e.release(ctx, batch[i+1:])
			}
		}

		if len(batch) < e.opts.BatchSize {
			return nil
		}
	}
}

// release puts records back to pending. It runs on a context detached from
// cancellation so an aborted pass still leaves the queue consistent.
func (e *Engine) release(ctx context.Context, records []domain.PendingSyncRecord) error {
	return e.queue.Release(context.WithoutCancel(ctx), recordIDs(records))
}

// deliver sends one record and settles its outcome. stop reports that the
// pass must end because the record is backing off.
func (e *Engine) deliver(ctx context.Context, userID string, rec domain.PendingSyncRecord, result *CycleResult) (bool, error) {
	env, err := e.prepare(ctx, userID, rec)
	if err != nil {
		if errors.Is(err, mutation.ErrInvalid) {
			return false, e.reject(ctx, rec, err.Error(), result)
		}
		return false, err
	}

	applied, err := e.send(ctx, userID, env, result)
	if err != nil && errors.Is(err, remote.ErrConflict) {
		var conflictErr *remote.ConflictError
		if errors.As(err, &conflictErr) {
			return e.resolve(ctx, userID, rec, env, conflictErr.Current, result)
		}
	}
	return e.settle(ctx, userID, rec, env, applied, err, result)
}

// prepare decodes the queued payload. Product edits are re-stamped with the
// version the device currently holds, which advances as earlier edits of
// the same product are confirmed.
func (e *Engine) prepare(ctx context.Context, userID string, rec domain.PendingSyncRecord) (mutation.Envelope, error) {
	env := mutation.FromRecord(rec)
	payload, err := mutation.Decode(env)
	if err != nil {
		return env, err
	}

	edit, ok := payload.(mutation.ProductPayload)
	if !ok || rec.Operation == domain.OperationCreate {
		return env, nil
	}
	local, err := e.store.GetProductByUID(ctx, userID, edit.UID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return env, nil
		}
		return env, fmt.Errorf("load product %s: %w", edit.UID, err)
	}
	if local.Version == edit.BaseVersion {
		return env, nil
	}
	edit.BaseVersion = local.Version
	return mutation.New(rec.Operation, edit, rec.ClientMutationID)
}

func (e *Engine) send(ctx context.Context, userID string, env mutation.Envelope, result *CycleResult) (domain.ApplyResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.RemoteTimeout)
	defer cancel()
	result.Sent++
	applied, err := e.remote.Apply(callCtx, userID, env)
	if err != nil && ctx.Err() != nil {
		return domain.ApplyResult{}, ctx.Err()
	}
	return applied, err
}

func (e *Engine) settle(ctx context.Context, userID string, rec domain.PendingSyncRecord, env mutation.Envelope, applied domain.ApplyResult, err error, result *CycleResult) (bool, error) {
	switch {
	case err == nil:
		return false, e.confirm(ctx, rec, env, applied, result)
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, remote.ErrRejected):
		return false, e.reject(ctx, rec, err.Error(), result)
	}

	updated, markErr := e.queue.MarkFailed(context.WithoutCancel(ctx), rec.ID, err.Error())
	if markErr != nil {
		return false, markErr
	}
	if updated.SyncStatus == domain.SyncFailed {
		result.Failed++
		e.logger.Warn("sync record failed permanently",
			zap.String("user_id", userID),
			zap.Int64("record_id", rec.ID),
			zap.String("client_mutation_id", rec.ClientMutationID),
			zap.Int("retry_count", updated.RetryCount),
			zap.Error(err),
		)
		return false, nil
	}

	result.Retried++
	result.NextWake = updated.NextRetryAt
	e.logger.Info("sync record will be retried",
		zap.String("user_id", userID),
		zap.Int64("record_id", rec.ID),
		zap.Int("retry_count", updated.RetryCount),
		zap.Timep("next_retry_at", updated.NextRetryAt),
		zap.Error(err),
	)
	return true, nil
}

func (e *Engine) confirm(ctx context.Context, rec domain.PendingSyncRecord, env mutation.Envelope, applied domain.ApplyResult, result *CycleResult) error {
	ctx = context.WithoutCancel(ctx)
	if err := e.queue.MarkSynced(ctx, []int64{rec.ID}); err != nil {
		return err
	}
	result.Synced++
	if applied.Duplicate() {
		result.Duplicates++
	}

	payload, err := mutation.Decode(env)
	if err != nil {
		return nil
	}
	err = e.store.MarkEntitySynced(ctx, rec.TableName, payload.EntityUID(), applied.RemoteID, applied.Version)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("record remote id", zap.Int64("record_id", rec.ID), zap.Error(err))
	}
	return nil
}

func (e *Engine) reject(ctx context.Context, rec domain.PendingSyncRecord, reason string, result *CycleResult) error {
	if _, err := e.queue.Reject(context.WithoutCancel(ctx), rec.ID, reason); err != nil {
		return err
	}
	result.Rejected++
	e.logger.Warn("sync record rejected",
		zap.String("user_id", rec.UserID),
		zap.Int64("record_id", rec.ID),
		zap.String("table", string(rec.TableName)),
		zap.String("client_mutation_id", rec.ClientMutationID),
		zap.String("reason", reason),
	)
	return nil
}

func (e *Engine) resolve(ctx context.Context, userID string, rec domain.PendingSyncRecord, env mutation.Envelope, current domain.Product, result *CycleResult) (bool, error) {
	result.Conflicts++
	resolution, err := e.resolver.Resolve(env, current)
	if err != nil {
		return false, e.reject(ctx, rec, err.Error(), result)
	}

	switch resolution.Outcome {
	case conflict.AcceptRemote:
		if err := e.store.ApplyRemoteProduct(context.WithoutCancel(ctx), userID, resolution.Remote); err != nil {
			return false, fmt.Errorf("adopt remote product %s: %w", current.UID, err)
		}
		if err := e.queue.MarkSynced(context.WithoutCancel(ctx), []int64{rec.ID}); err != nil {
			return false, err
		}
		result.Synced++
		return false, nil
	default:
		applied, err := e.send(ctx, userID, resolution.Envelope, result)
		return e.settle(ctx, userID, rec, resolution.Envelope, applied, err, result)
	}
}

func recordIDs(records []domain.PendingSyncRecord) []int64 {
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}
