package models

import "time"

const (
	ProviderPitiX  = "pitix"
	ProviderToast  = "toast"
	ProviderSquare = "square"
)

// KnownProviders lists the POS providers with a registered adapter.
var KnownProviders = []string{ProviderPitiX, ProviderToast, ProviderSquare}

func IsKnownProvider(p string) bool {
	for _, k := range KnownProviders {
		if k == p {
			return true
		}
	}
	return false
}

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredRetry  = "retry"
	SyncTriggeredSystem = "system"
)

// Sync run kinds. A full run resyncs the whole ledger in bulk mode, an
// incremental run covers the recent look-back window and a backfill run walks
// an explicit historical range in chunks.
const (
	SyncKindFull        = "full"
	SyncKindIncremental = "incremental"
	SyncKindBackfill    = "backfill"
)

const EntityTypeOrder = "order"

type IntegrationConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"size:64;uniqueIndex:uniq_integration_conn,priority:1;not null" json:"business_id"`
	Provider          string     `gorm:"size:32;uniqueIndex:uniq_integration_conn,priority:2;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"-"`
	StoreId           string     `gorm:"size:100" json:"store_id"`
	StoreName         string     `gorm:"size:255" json:"store_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	CursorStateJSON   []byte     `gorm:"type:json" json:"cursor_state"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncRun struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	BusinessId      string     `gorm:"size:64;index;not null" json:"business_id"`
	ConnectionId    uint       `gorm:"index;not null" json:"connection_id"`
	Provider        string     `gorm:"index;size:32;not null" json:"provider"`
	Kind            string     `gorm:"size:20;not null" json:"kind"`
	Status          string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy     string     `gorm:"size:20" json:"triggered_by"`
	RangeStart      *string    `gorm:"size:10" json:"range_start"`
	RangeEnd        *string    `gorm:"size:10" json:"range_end"`
	StatsJSON       []byte     `gorm:"type:json" json:"stats"`
	CursorStateJSON []byte     `gorm:"type:json" json:"cursor_state"`
	OrdersFetched   int        `json:"orders_fetched"`
	RowsWritten     int        `json:"rows_written"`
	RowsRetracted   int        `json:"rows_retracted"`
	ErrorCount      int        `json:"error_count"`
	ParentRunId     *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationMs      int64      `json:"duration_ms"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntegrationEntityMapping remembers the provider's last reported version of
// an entity so unchanged records can be skipped on the next fetch.
type IntegrationEntityMapping struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	BusinessId   string     `gorm:"size:64;uniqueIndex:idx_integration_mapping,priority:1;not null" json:"business_id"`
	ConnectionId uint       `gorm:"index;not null" json:"connection_id"`
	Provider     string     `gorm:"uniqueIndex:idx_integration_mapping,priority:2;size:32;not null" json:"provider"`
	EntityType   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:3;size:50;not null" json:"entity_type"`
	ExternalId   string     `gorm:"uniqueIndex:idx_integration_mapping,priority:4;size:128;not null" json:"external_id"`
	Version      string     `gorm:"size:64" json:"version"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type IntegrationSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	BusinessId  string    `gorm:"size:64;index;not null" json:"business_id"`
	EntityType  string    `gorm:"size:50" json:"entity_type"`
	ExternalId  string    `gorm:"size:128" json:"external_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"not null" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
