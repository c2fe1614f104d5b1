package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// Handler names recorded on idempotency keys.
const (
	IdempotencyHandlerSalesSyncPush = "sales_sync_push"
)

// IdempotencyKey records Pub/Sub deliveries already handled by a worker so
// redelivered messages don't start a second sync run.
// Unique constraint: (business_id, handler_name, message_id).
type IdempotencyKey struct {
	ID          uint              `gorm:"primary_key" json:"id"`
	BusinessId  string            `gorm:"size:64;not null;uniqueIndex:uniq_idem,priority:1" json:"business_id"`
	HandlerName string            `gorm:"size:100;not null;uniqueIndex:uniq_idem,priority:2" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;uniqueIndex:uniq_idem,priority:3" json:"message_id"`
	SyncRunId   *uint             `gorm:"index" json:"sync_run_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	Attempts    int               `gorm:"not null;default:1" json:"attempts"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
