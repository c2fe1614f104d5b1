package config

import (
	"os"
	"strings"
	"time"
)

// SyncSettings tunes the sales ledger sync pipeline.
type SyncSettings struct {
	// Timeout bounds one sync run (retraction + upsert transaction).
	Timeout time.Duration
	// BulkThreshold is the order count at which a range sync switches to bulk mode.
	BulkThreshold int
	// ClassifyMaxRows caps one batch classification call.
	ClassifyMaxRows int
	// IncrementalDays is the look-back window of an incremental run.
	IncrementalDays int
	// ChunkDays splits historical backfills into SyncRange calls of this size.
	ChunkDays int
	// DefaultTimezone applies to businesses without their own timezone.
	DefaultTimezone string
}

func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Timeout:         2 * time.Minute,
		BulkThreshold:   200,
		ClassifyMaxRows: 5000,
		IncrementalDays: 3,
		ChunkDays:       14,
		DefaultTimezone: "Asia/Yangon",
	}
}

// LoadSyncSettings reads SALES_SYNC_* overrides on top of the defaults.
func LoadSyncSettings() SyncSettings {
	s := DefaultSyncSettings()
	if n := IntFromEnv("SALES_SYNC_TIMEOUT_SECONDS", 0); n > 0 {
		s.Timeout = time.Duration(n) * time.Second
	}
	if n := IntFromEnv("SALES_SYNC_BULK_THRESHOLD", 0); n > 0 {
		s.BulkThreshold = n
	}
	if n := IntFromEnv("SALES_SYNC_CLASSIFY_MAX_ROWS", 0); n > 0 {
		s.ClassifyMaxRows = n
	}
	if n := IntFromEnv("SALES_SYNC_INCREMENTAL_DAYS", 0); n > 0 {
		s.IncrementalDays = n
	}
	if n := IntFromEnv("SALES_SYNC_CHUNK_DAYS", 0); n > 0 {
		s.ChunkDays = n
	}
	if tz := strings.TrimSpace(os.Getenv("DEFAULT_BUSINESS_TIMEZONE")); tz != "" {
		s.DefaultTimezone = tz
	}
	return s
}
