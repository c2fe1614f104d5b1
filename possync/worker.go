// Package possync fetches orders from POS providers into the extract store
// and books them into the sales ledger.
package possync

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/salesledger"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/mmdatafocus/pos_ledger/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidPayload  = errors.New("invalid sync payload")
	ErrNotConnected    = errors.New("pos provider is not connected")
	ErrProviderBlocked = errors.New("pos provider sync is disabled")
)

const pageLimit = "200"

type Worker struct {
	DB       *gorm.DB
	Engine   *salesledger.Engine
	Settings config.SyncSettings
	Logger   *logrus.Logger

	now func() time.Time
}

func NewWorker(db *gorm.DB, engine *salesledger.Engine, settings config.SyncSettings) *Worker {
	return &Worker{
		DB:       db,
		Engine:   engine,
		Settings: settings,
		Logger:   config.GetLogger(),
		now:      time.Now,
	}
}

// RunStats is persisted as the run's stats JSON.
type RunStats struct {
	OrdersFetched   int                  `json:"orders_fetched"`
	OrdersStored    int                  `json:"orders_stored"`
	OrdersUnchanged int                  `json:"orders_unchanged"`
	Ledger          []salesledger.Result `json:"ledger"`
}

func (s RunStats) rowsWritten() int {
	n := 0
	for _, r := range s.Ledger {
		n += r.RowsWritten
	}
	return n
}

func (s RunStats) rowsRetracted() int {
	n := 0
	for _, r := range s.Ledger {
		n += r.RowsRetracted
	}
	return n
}

type orderRef struct {
	provider string
	id       string
	day      string
}

// runState carries one run's bookkeeping between the fetch and ledger passes.
type runState struct {
	run      models.IntegrationSyncRun
	conn     models.IntegrationConnection
	loc      *time.Location
	stats    RunStats
	errCount int
	changed  []orderRef
}

// ProcessSyncRun executes a queued run: fetch changed orders from the
// provider, store them as extracts, then reconcile the ledger. Terminal runs
// are skipped so redelivered messages are harmless. Per-record failures are
// recorded on the run and never abort it.
func (w *Worker) ProcessSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 || strings.TrimSpace(payload.BusinessId) == "" {
		return ErrInvalidPayload
	}

	ctx = utils.SetBusinessIdInContext(ctx, payload.BusinessId)
	db := w.DB.WithContext(ctx)
	logger := w.logger().WithFields(logrus.Fields{
		"business_id": payload.BusinessId,
		"run_id":      payload.RunId,
	})

	var run models.IntegrationSyncRun
	if err := db.Where("id = ? AND business_id = ?", payload.RunId, payload.BusinessId).Take(&run).Error; err != nil {
		return err
	}
	if isTerminal(run.Status) {
		return nil
	}

	var conn models.IntegrationConnection
	if err := db.Where("id = ? AND business_id = ?", run.ConnectionId, payload.BusinessId).Take(&conn).Error; err != nil {
		return err
	}

	state := &runState{run: run, conn: conn}
	started := w.clock()
	if run.StartedAt != nil {
		started = *run.StartedAt
	}

	if conn.Status != models.IntegrationStatusConnected {
		return w.abortRun(ctx, db, state, started, "not_connected", ErrNotConnected)
	}
	if !config.ProviderEnabled(conn.Provider) {
		return w.abortRun(ctx, db, state, started, "provider_disabled", ErrProviderBlocked)
	}
	adapter, err := AdapterFor(conn.Provider)
	if err != nil {
		return w.abortRun(ctx, db, state, started, "unknown_provider", err)
	}
	business, err := models.GetBusiness(ctx, db, payload.BusinessId)
	if err != nil {
		return w.abortRun(ctx, db, state, started, "business_not_found", err)
	}
	state.loc = business.Location(w.Settings.DefaultTimezone)

	lock, err := workflow.AcquireSyncLock(ctx, payload.BusinessId)
	if err != nil {
		return err
	}
	defer lock.Release(context.Background())

	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": started,
	}).Error; err != nil {
		return err
	}

	cursor := DecodeCursorState(conn.CursorStateJSON)
	client, err := newProviderClient(adapter, conn.AuthSecretRef)
	if err != nil {
		state.errCount++
		_ = createSyncError(ctx, db, run.ID, payload.BusinessId, models.EntityTypeOrder, "", "client_failed", err.Error(), nil, false)
	} else {
		cursor, err = w.fetchOrders(ctx, db, state, adapter, client, cursor)
		if err != nil {
			state.errCount++
			_ = createSyncError(ctx, db, run.ID, payload.BusinessId, models.EntityTypeOrder, "", "fetch_failed", err.Error(), nil, retryable(err))
			logger.Warnf("fetch orders: %v", err)
		}
	}

	// Extracts stored before a fetch failure are still booked.
	ledgerErr := w.syncLedger(ctx, state)
	if ledgerErr != nil {
		state.errCount++
		code := "ledger_failed"
		var sideErr *salesledger.SideEffectError
		if errors.As(ledgerErr, &sideErr) {
			code = "side_effects_failed"
		}
		_ = createSyncError(ctx, db, run.ID, payload.BusinessId, "ledger", "", code, ledgerErr.Error(), nil, true)
		logger.Warnf("ledger sync: %v", ledgerErr)
	}

	status := models.SyncRunStatusSuccess
	var sideErr *salesledger.SideEffectError
	switch {
	case ledgerErr != nil && !errors.As(ledgerErr, &sideErr):
		status = models.SyncRunStatusFailed
	case state.errCount > 0:
		status = models.SyncRunStatusPartial
	}

	finishedAt := w.clock()
	statsJSON := utils.MarshalToJSON(state.stats)
	cursorJSON := EncodeCursorState(cursor)
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":            status,
		"finished_at":       finishedAt,
		"duration_ms":       finishedAt.Sub(started).Milliseconds(),
		"orders_fetched":    state.stats.OrdersFetched,
		"rows_written":      state.stats.rowsWritten(),
		"rows_retracted":    state.stats.rowsRetracted(),
		"error_count":       state.errCount,
		"stats_json":        statsJSON,
		"cursor_state_json": cursorJSON,
	}).Error; err != nil {
		return err
	}

	connUpdates := map[string]interface{}{
		"last_sync_at":      finishedAt,
		"cursor_state_json": cursorJSON,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	if err := db.Model(&models.IntegrationConnection{}).
		Where("id = ? AND business_id = ?", conn.ID, payload.BusinessId).
		Updates(connUpdates).Error; err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"provider":       conn.Provider,
		"kind":           run.Kind,
		"status":         status,
		"orders_fetched": state.stats.OrdersFetched,
		"rows_written":   state.stats.rowsWritten(),
		"rows_retracted": state.stats.rowsRetracted(),
		"duration_ms":    finishedAt.Sub(started).Milliseconds(),
	}).Info("sync run finished")
	return nil
}

// fetchOrders pages through the provider's orders and stores every changed
// one. The returned cursor resumes after the last fully processed page.
func (w *Worker) fetchOrders(ctx context.Context, db *gorm.DB, state *runState, adapter Adapter, client *providerClient, cursor CursorState) (CursorState, error) {
	run, conn := state.run, state.conn
	fetchStarted := w.clock().UTC().Format(time.RFC3339)

	params := url.Values{}
	params.Set("limit", pageLimit)
	switch run.Kind {
	case models.SyncKindFull:
		cursor = CursorState{}
	case models.SyncKindBackfill:
		if run.RangeStart != nil && run.RangeEnd != nil {
			params.Set("start_date", *run.RangeStart)
			params.Set("end_date", *run.RangeEnd)
		}
		// Backfills leave the incremental position alone.
		cursor = CursorState{UpdatedSince: cursor.UpdatedSince}
	default:
		updatedSince := strings.TrimSpace(cursor.UpdatedSince)
		if updatedSince == "" && conn.LastSuccessSyncAt != nil {
			updatedSince = conn.LastSuccessSyncAt.UTC().Format(time.RFC3339)
		}
		if updatedSince == "" {
			updatedSince = w.clock().AddDate(0, 0, -w.incrementalDays(conn)).UTC().Format(time.RFC3339)
		}
		params.Set("updated_since", updatedSince)
		cursor.UpdatedSince = updatedSince
	}

	nextCursor := strings.TrimSpace(cursor.Cursor)
	for {
		if nextCursor != "" {
			params.Set("cursor", nextCursor)
		}
		resp, err := client.getList(ctx, adapter.OrdersPath(), params)
		if err != nil {
			return CursorState{UpdatedSince: cursor.UpdatedSince, Cursor: nextCursor}, err
		}

		for _, raw := range resp.records() {
			state.stats.OrdersFetched++
			w.storeOrder(ctx, db, state, adapter, raw)
		}

		nextCursor = resp.next()
		if nextCursor == "" {
			break
		}
	}

	if run.Kind == models.SyncKindBackfill {
		return cursor, nil
	}
	return CursorState{UpdatedSince: fetchStarted}, nil
}

func (w *Worker) storeOrder(ctx context.Context, db *gorm.DB, state *runState, adapter Adapter, raw json.RawMessage) {
	run, conn := state.run, state.conn

	decoded, err := adapter.Decode(conn.BusinessId, raw)
	if err != nil {
		state.errCount++
		code := "invalid_payload"
		if errors.Is(err, errMissingId) {
			code = "missing_id"
		}
		_ = createSyncError(ctx, db, run.ID, conn.BusinessId, models.EntityTypeOrder, "", code, err.Error(), raw, false)
		return
	}
	order := decoded.Snapshot.Order

	mapping, err := findMapping(ctx, db, conn.BusinessId, conn.Provider, order.ExternalId)
	if err != nil {
		state.errCount++
		_ = createSyncError(ctx, db, run.ID, conn.BusinessId, models.EntityTypeOrder, order.ExternalId, "sync_failed", err.Error(), raw, true)
		return
	}
	if mapping != nil && decoded.Version != "" && mapping.Version == decoded.Version {
		state.stats.OrdersUnchanged++
		return
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return models.StoreSnapshot(ctx, tx, decoded.Snapshot)
	}); err != nil {
		state.errCount++
		_ = createSyncError(ctx, db, run.ID, conn.BusinessId, models.EntityTypeOrder, order.ExternalId, "store_failed", err.Error(), raw, true)
		return
	}
	state.stats.OrdersStored++
	_ = touchMapping(ctx, db, conn, order.ExternalId, decoded.Version, w.clock())

	ref := orderRef{provider: order.Provider, id: order.ExternalId}
	if moment, err := salesledger.DeriveSaleDate(order, state.loc); err == nil {
		ref.day = moment.Date
	}
	state.changed = append(state.changed, ref)
}

// syncLedger reconciles the ledger for the run's kind. Full runs resync
// everything; backfills walk their range in chunks; incremental runs cover
// the look-back window plus any changed order booked before it.
func (w *Worker) syncLedger(ctx context.Context, state *runState) error {
	engine := w.Engine
	businessId := state.run.BusinessId

	record := func(res salesledger.Result, err error) error {
		var sideErr *salesledger.SideEffectError
		if errors.As(err, &sideErr) {
			res = sideErr.Result
		}
		if err == nil || sideErr != nil {
			state.stats.Ledger = append(state.stats.Ledger, res)
		}
		return err
	}

	switch state.run.Kind {
	case models.SyncKindFull:
		return record(engine.SyncAll(ctx, businessId))

	case models.SyncKindBackfill:
		if state.run.RangeStart == nil || state.run.RangeEnd == nil {
			return salesledger.ErrInvalidRange
		}
		chunks, err := dayChunks(*state.run.RangeStart, *state.run.RangeEnd, w.Settings.ChunkDays)
		if err != nil {
			return err
		}
		var firstErr error
		for _, c := range chunks {
			err := record(engine.SyncRange(ctx, businessId, c[0], c[1]))
			var sideErr *salesledger.SideEffectError
			if err != nil && !errors.As(err, &sideErr) {
				return err
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	default:
		today := utils.ConvertToDate(w.clock(), state.loc)
		end := utils.FormatDay(today)
		start := utils.FormatDay(today.AddDate(0, 0, -(w.incrementalDays(state.conn) - 1)))
		firstErr := record(engine.SyncRange(ctx, businessId, start, end))
		var sideErr *salesledger.SideEffectError
		if firstErr != nil && !errors.As(firstErr, &sideErr) {
			return firstErr
		}
		for _, ref := range state.changed {
			if ref.day == "" || ref.day >= start {
				continue
			}
			err := record(engine.SyncOrder(ctx, businessId, ref.provider, ref.id))
			if err != nil && !errors.As(err, &sideErr) {
				return err
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
}

// abortRun fails a run before any fetching happened.
func (w *Worker) abortRun(ctx context.Context, db *gorm.DB, state *runState, started time.Time, code string, cause error) error {
	_ = createSyncError(ctx, db, state.run.ID, state.run.BusinessId, "connection", state.conn.StoreId, code, cause.Error(), nil, false)
	finishedAt := w.clock()
	if err := db.Model(&state.run).Updates(map[string]interface{}{
		"status":      models.SyncRunStatusFailed,
		"started_at":  started,
		"finished_at": finishedAt,
		"duration_ms": finishedAt.Sub(started).Milliseconds(),
		"error_count": 1,
	}).Error; err != nil {
		return err
	}
	return cause
}

func (w *Worker) incrementalDays(conn models.IntegrationConnection) int {
	if s := DecodeSettings(conn.SettingsJSON); s.IncrementalDays > 0 {
		return s.IncrementalDays
	}
	if w.Settings.IncrementalDays > 0 {
		return w.Settings.IncrementalDays
	}
	return config.DefaultSyncSettings().IncrementalDays
}

func (w *Worker) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Worker) logger() *logrus.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return config.GetLogger()
}

// dayChunks splits [start, end] into consecutive ranges of at most size days.
func dayChunks(start, end string, size int) ([][2]string, error) {
	days, err := utils.DayRange(start, end)
	if err != nil {
		return nil, salesledger.ErrInvalidRange
	}
	if len(days) == 0 {
		return nil, salesledger.ErrInvalidRange
	}
	if size <= 0 {
		size = config.DefaultSyncSettings().ChunkDays
	}
	var out [][2]string
	for _, chunk := range utils.ChunkSlice(days, size) {
		out = append(out, [2]string{chunk[0], chunk[len(chunk)-1]})
	}
	return out, nil
}

func isTerminal(status string) bool {
	return status == models.SyncRunStatusSuccess || status == models.SyncRunStatusFailed || status == models.SyncRunStatusPartial
}

func findMapping(ctx context.Context, db *gorm.DB, businessId string, provider string, externalId string) (*models.IntegrationEntityMapping, error) {
	var mapping models.IntegrationEntityMapping
	err := db.WithContext(ctx).
		Where("business_id = ? AND provider = ? AND entity_type = ? AND external_id = ?",
			businessId, provider, models.EntityTypeOrder, externalId).
		Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

func touchMapping(ctx context.Context, db *gorm.DB, conn models.IntegrationConnection, externalId string, version string, seenAt time.Time) error {
	mapping := models.IntegrationEntityMapping{
		BusinessId:   conn.BusinessId,
		ConnectionId: conn.ID,
		Provider:     conn.Provider,
		EntityType:   models.EntityTypeOrder,
		ExternalId:   externalId,
		Version:      version,
		LastSeenAt:   &seenAt,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "provider"}, {Name: "entity_type"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"connection_id", "version", "last_seen_at", "updated_at",
		}),
	}).Create(&mapping).Error
}

func createSyncError(ctx context.Context, db *gorm.DB, runId uint, businessId string, entityType string, externalId string, code string, message string, payload []byte, retryable bool) error {
	errRec := models.IntegrationSyncError{
		SyncRunId:   runId,
		BusinessId:  businessId,
		EntityType:  entityType,
		ExternalId:  externalId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Retryable:   retryable,
	}
	return db.WithContext(ctx).Create(&errRec).Error
}
