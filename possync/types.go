package possync

import (
	"encoding/json"

	"github.com/mmdatafocus/pos_ledger/utils"
)

// CursorState is the provider paging position persisted on the connection
// and copied onto each run.
type CursorState struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
}

func DecodeCursorState(raw []byte) CursorState {
	var state CursorState
	if err := utils.UnmarshalFromJSON(raw, &state); err != nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	return utils.MarshalToJSON(state)
}

// ConnectionSettings are the per-connection overrides stored in SettingsJSON.
type ConnectionSettings struct {
	IncrementalDays int `json:"incrementalDays"`
}

func DecodeSettings(raw []byte) ConnectionSettings {
	var s ConnectionSettings
	_ = utils.UnmarshalFromJSON(raw, &s)
	return s
}

func EncodeSettings(s ConnectionSettings) []byte {
	return utils.MarshalToJSON(s)
}

type ConnectRequest struct {
	StoreId   string `json:"storeId" validate:"required,max=100"`
	StoreName string `json:"storeName" validate:"max=255"`
	APIKey    string `json:"apiKey" validate:"required"`
}

type UpdateSettingsRequest struct {
	IncrementalDays int `json:"incrementalDays" validate:"gte=0,lte=90"`
}

type TriggerSyncRequest struct {
	Kind       string `json:"kind" validate:"omitempty,oneof=full incremental backfill"`
	RangeStart string `json:"rangeStart" validate:"omitempty,datetime=2006-01-02"`
	RangeEnd   string `json:"rangeEnd" validate:"omitempty,datetime=2006-01-02"`
}

// LedgerSyncRequest resyncs already fetched extracts without calling the
// provider.
type LedgerSyncRequest struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02"`
	End   string `json:"end" validate:"required,datetime=2006-01-02"`
}

type SplitRequest struct {
	Allocations []SplitAllocation `json:"allocations" validate:"required,min=2,dive"`
}

type SplitAllocation struct {
	CategoryId uint   `json:"categoryId" validate:"required"`
	Amount     string `json:"amount" validate:"required,numeric"`
}

type StatusResponse struct {
	Provider          string             `json:"provider"`
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	Settings          ConnectionSettings `json:"settings"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Provider      string  `json:"provider"`
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	RangeStart    *string `json:"rangeStart"`
	RangeEnd      *string `json:"rangeEnd"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	OrdersFetched int     `json:"ordersFetched"`
	RowsWritten   int     `json:"rowsWritten"`
	RowsRetracted int     `json:"rowsRetracted"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Stats  json.RawMessage     `json:"stats,omitempty"`
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        uint   `json:"run_id" validate:"required"`
	BusinessId   string `json:"business_id" validate:"required"`
	ConnectionId uint   `json:"connection_id"`
}
