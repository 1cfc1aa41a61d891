package domain

import (
	"encoding/json"
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// PendingSyncRecord is one write-ahead queue row. It is inserted in the same
// transaction as the entity mutation it describes.
type PendingSyncRecord struct {
	ID               int64           `json:"id"`
	UserID           string          `json:"user_id"`
	TableName        Table           `json:"table_name"`
	Operation        Operation       `json:"operation"`
	RecordData       json.RawMessage `json:"record_data"`
	ClientMutationID string          `json:"client_mutation_id"`
	EntityUID        string          `json:"entity_uid"`
	SyncStatus       SyncStatus      `json:"sync_status"`
	RetryCount       int             `json:"retry_count"`
	LastRetryAt      *time.Time      `json:"last_retry_at,omitempty"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Due reports whether the record may be sent at now.
func (r PendingSyncRecord) Due(now time.Time) bool {
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}

const (
	ApplyStatusApplied   = "applied"
	ApplyStatusDuplicate = "duplicate"
)

type ApplyResult struct {
	ClientMutationID string `json:"client_mutation_id"`
	Status           string `json:"status"`
	RemoteID         int64  `json:"remote_id,omitempty"`
	Version          int64  `json:"version,omitempty"`
}

func (r ApplyResult) Duplicate() bool {
	return r.Status == ApplyStatusDuplicate
}

// AppliedMutation is the server-side idempotency row for one client mutation.
type AppliedMutation struct {
	UserID           string    `json:"user_id"`
	ClientMutationID string    `json:"client_mutation_id"`
	TableName        Table     `json:"table_name"`
	Operation        Operation `json:"operation"`
	EntityUID        string    `json:"entity_uid"`
	RemoteID         int64     `json:"remote_id"`
	Version          int64     `json:"version"`
	AppliedAt        time.Time `json:"applied_at"`
}

func (m AppliedMutation) Result(status string) ApplyResult {
	return ApplyResult{
		ClientMutationID: m.ClientMutationID,
		Status:           status,
		RemoteID:         m.RemoteID,
		Version:          m.Version,
	}
}

type BatchApplyStatus struct {
	ClientMutationID string `json:"client_mutation_id"`
	Status           string `json:"status"`
	RemoteID         int64  `json:"remote_id,omitempty"`
	Version          int64  `json:"version,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

type Actor struct {
	UserID string `json:"user_id"`
}
