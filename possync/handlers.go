package possync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/middlewares"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/salesledger"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/mmdatafocus/pos_ledger/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var errUnauthorized = errors.New("unauthorized")

// Handlers serves the integration and ledger HTTP API.
type Handlers struct {
	DB        *gorm.DB
	Engine    *salesledger.Engine
	Publisher RunPublisher
	Logger    *logrus.Logger

	validate *validator.Validate
}

func NewHandlers(db *gorm.DB, engine *salesledger.Engine, publisher RunPublisher) *Handlers {
	if publisher == nil {
		publisher = PubSubPublisher{}
	}
	return &Handlers{
		DB:        db,
		Engine:    engine,
		Publisher: publisher,
		Logger:    config.GetLogger(),
		validate:  validator.New(),
	}
}

// Register mounts every route under r.
func (h *Handlers) Register(r gin.IRouter) {
	integrations := r.Group("/api/integrations/:provider")
	integrations.GET("/status", h.StatusHandler())
	integrations.POST("/connect", h.ConnectHandler())
	integrations.POST("/disconnect", h.DisconnectHandler())
	integrations.POST("/settings", h.UpdateSettingsHandler())
	integrations.POST("/sync", h.TriggerSyncHandler())
	integrations.GET("/sync-runs", h.SyncHistoryHandler())
	integrations.GET("/sync-runs/:id", h.SyncRunDetailHandler())
	integrations.POST("/sync-runs/:id/retry", h.RetrySyncRunHandler())

	ledger := r.Group("/api/sales-ledger")
	ledger.POST("/sync", h.LedgerSyncHandler())
	ledger.POST("/sync-all", h.LedgerSyncAllHandler())
	ledger.POST("/classify", h.ClassifyPendingHandler())
	ledger.GET("/daily-summaries", h.DailySummariesHandler())
	ledger.POST("/rows/:id/split", h.SplitRowHandler())
	ledger.DELETE("/rows/:id/split", h.UnsplitRowHandler())
}

func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		conn, err := getConnection(h.DB.WithContext(ctx), businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Provider:   provider,
				Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected},
			})
			return
		}
		c.JSON(http.StatusOK, StatusResponse{
			Provider: provider,
			Connection: ConnectionResponse{
				Status:    conn.Status,
				StoreId:   conn.StoreId,
				StoreName: conn.StoreName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Settings:          DecodeSettings(conn.SettingsJSON),
		})
	}
}

func (h *Handlers) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		var req ConnectRequest
		if !h.bind(c, &req) {
			return
		}

		db := h.DB.WithContext(ctx)
		conn, err := getConnection(db, businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		storeName := strings.TrimSpace(req.StoreName)
		if storeName == "" {
			storeName = req.StoreId
		}

		if conn == nil {
			conn = &models.IntegrationConnection{
				BusinessId:    businessId,
				Provider:      provider,
				Status:        models.IntegrationStatusConnected,
				AuthType:      "api_key",
				AuthSecretRef: req.APIKey,
				StoreId:       strings.TrimSpace(req.StoreId),
				StoreName:     storeName,
				SettingsJSON:  EncodeSettings(ConnectionSettings{}),
			}
			if err := db.Create(conn).Error; err != nil {
				if utils.IsDuplicateKey(err) {
					c.JSON(http.StatusConflict, gin.H{"error": "connection already exists"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"status":          models.IntegrationStatusConnected,
				"auth_type":       "api_key",
				"auth_secret_ref": req.APIKey,
				"store_id":        strings.TrimSpace(req.StoreId),
				"store_name":      storeName,
				"updated_at":      time.Now(),
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "id": conn.ID})
	}
}

func (h *Handlers) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		db := h.DB.WithContext(ctx)
		conn, err := getConnection(db, businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.IntegrationStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handlers) UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		var req UpdateSettingsRequest
		if !h.bind(c, &req) {
			return
		}
		db := h.DB.WithContext(ctx)
		conn, err := getConnection(db, businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusConflict, gin.H{"error": provider + " is not connected"})
			return
		}
		settings := ConnectionSettings{IncrementalDays: req.IncrementalDays}
		if err := db.Model(conn).Updates(map[string]interface{}{
			"settings_json": EncodeSettings(settings),
			"updated_at":    time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handlers) TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		var req TriggerSyncRequest
		if !h.bind(c, &req) {
			return
		}
		kind := req.Kind
		if kind == "" {
			kind = models.SyncKindIncremental
		}
		var rangeStart, rangeEnd *string
		if kind == models.SyncKindBackfill {
			if _, err := dayChunks(req.RangeStart, req.RangeEnd, 1); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "rangeStart and rangeEnd must form a valid range"})
				return
			}
			rangeStart, rangeEnd = &req.RangeStart, &req.RangeEnd
		}

		db := h.DB.WithContext(ctx)
		conn, err := getConnection(db, businessId, provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.IntegrationStatusConnected {
			c.JSON(http.StatusConflict, gin.H{"error": provider + " is not connected"})
			return
		}

		run := models.IntegrationSyncRun{
			BusinessId:   businessId,
			ConnectionId: conn.ID,
			Provider:     provider,
			Kind:         kind,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredManual,
			RangeStart:   rangeStart,
			RangeEnd:     rangeEnd,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.publish(ctx, run)
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func (h *Handlers) SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		var runs []models.IntegrationSyncRun
		if err := h.DB.WithContext(ctx).
			Where("business_id = ? AND provider = ?", businessId, provider).
			Order("id desc").
			Limit(limit).
			Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func (h *Handlers) SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		run, ok := h.loadRun(c, ctx, businessId, provider)
		if !ok {
			return
		}
		var errs []models.IntegrationSyncError
		if err := h.DB.WithContext(ctx).Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Stats:           run.StatsJSON,
			Errors:          mapErrors(errs),
		})
	}
}

func (h *Handlers) RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, provider, ok := h.integrationScope(c)
		if !ok {
			return
		}
		run, ok := h.loadRun(c, ctx, businessId, provider)
		if !ok {
			return
		}
		if !isTerminal(run.Status) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync run is still " + run.Status})
			return
		}
		newRun := models.IntegrationSyncRun{
			BusinessId:   businessId,
			ConnectionId: run.ConnectionId,
			Provider:     run.Provider,
			Kind:         run.Kind,
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			RangeStart:   run.RangeStart,
			RangeEnd:     run.RangeEnd,
			ParentRunId:  &run.ID,
		}
		if err := h.DB.WithContext(ctx).Create(&newRun).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		h.publish(ctx, newRun)
		c.JSON(http.StatusOK, gin.H{"id": newRun.ID})
	}
}

// LedgerSyncHandler reconciles a date range from the stored extracts. The
// caller's session makes this an interactive sync.
func (h *Handlers) LedgerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, ok := h.ledgerScope(c)
		if !ok {
			return
		}
		var req LedgerSyncRequest
		if !h.bind(c, &req) {
			return
		}
		lock, ok := h.lockBusiness(ctx, c, businessId)
		if !ok {
			return
		}
		defer lock.Release(context.Background())
		res, err := h.Engine.SyncRange(ctx, businessId, req.Start, req.End)
		h.writeLedgerResult(c, res, err)
	}
}

func (h *Handlers) LedgerSyncAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, ok := h.ledgerScope(c)
		if !ok {
			return
		}
		lock, ok := h.lockBusiness(ctx, c, businessId)
		if !ok {
			return
		}
		defer lock.Release(context.Background())
		res, err := h.Engine.SyncAll(ctx, businessId)
		h.writeLedgerResult(c, res, err)
	}
}

// lockBusiness serializes interactive ledger syncs with the sync worker.
func (h *Handlers) lockBusiness(ctx context.Context, c *gin.Context, businessId string) (*workflow.SyncLock, bool) {
	lock, err := workflow.AcquireSyncLock(ctx, businessId)
	if errors.Is(err, workflow.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return lock, true
}

func (h *Handlers) ClassifyPendingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, ok := h.ledgerScope(c)
		if !ok {
			return
		}
		n, err := h.Engine.ClassifyPending(ctx, businessId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"classified": n})
	}
}

func (h *Handlers) DailySummariesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, ok := h.ledgerScope(c)
		if !ok {
			return
		}
		from, to := c.Query("from"), c.Query("to")
		if _, err := dayChunks(from, to, 1); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from and to must form a valid range"})
			return
		}
		q := h.DB.WithContext(ctx).Where("business_id = ? AND sale_date BETWEEN ? AND ?", businessId, from, to)
		if p := strings.TrimSpace(c.Query("provider")); p != "" {
			q = q.Where("provider = ?", p)
		}
		var rows []models.DailySalesSummary
		if err := q.Order("sale_date, provider").Find(&rows).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows})
	}
}

func (h *Handlers) SplitRowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, ok := h.ledgerScope(c)
		if !ok {
			return
		}
		rowId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid row id"})
			return
		}
		var req SplitRequest
		if !h.bind(c, &req) {
			return
		}
		allocs := make([]salesledger.Allocation, 0, len(req.Allocations))
		for _, a := range req.Allocations {
			amount, err := decimal.NewFromString(a.Amount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount " + a.Amount})
				return
			}
			allocs = append(allocs, salesledger.Allocation{CategoryId: a.CategoryId, Amount: amount})
		}
		children, err := salesledger.SplitRow(ctx, h.DB, businessId, uint(rowId), allocs)
		if err != nil {
			c.JSON(ledgerErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": children})
	}
}

func (h *Handlers) UnsplitRowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, businessId, ok := h.ledgerScope(c)
		if !ok {
			return
		}
		rowId, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid row id"})
			return
		}
		if err := salesledger.UnsplitRow(ctx, h.DB, businessId, uint(rowId)); err != nil {
			c.JSON(ledgerErrorStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (h *Handlers) writeLedgerResult(c *gin.Context, res salesledger.Result, err error) {
	var sideErr *salesledger.SideEffectError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.As(err, &sideErr):
		// Committed; aggregates catch up on the next sync or backfill.
		c.JSON(http.StatusAccepted, gin.H{"result": sideErr.Result, "warning": err.Error()})
	default:
		c.JSON(ledgerErrorStatus(err), gin.H{"error": err.Error()})
	}
}

func ledgerErrorStatus(err error) int {
	switch {
	case errors.Is(err, salesledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, salesledger.ErrInvalidRange),
		errors.Is(err, salesledger.ErrSplitMismatch),
		errors.Is(err, salesledger.ErrBusinessRequired):
		return http.StatusBadRequest
	case errors.Is(err, salesledger.ErrRowNotFound), errors.Is(err, models.ErrBusinessNotFound):
		return http.StatusNotFound
	case errors.Is(err, salesledger.ErrAlreadySplit),
		errors.Is(err, salesledger.ErrNotSplit),
		errors.Is(err, salesledger.ErrNotCanonical):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) publish(ctx context.Context, run models.IntegrationSyncRun) {
	err := h.Publisher.PublishSyncRun(ctx, SyncPubSubPayload{
		RunId:        run.ID,
		BusinessId:   run.BusinessId,
		ConnectionId: run.ConnectionId,
	})
	if err != nil {
		// The run stays queued; a retry or the scheduler picks it up.
		config.LogError(h.Logger, "possync", "publish", "publish sync run", run.ID, err)
	}
}

func (h *Handlers) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
		return false
	}
	return true
}

func (h *Handlers) loadRun(c *gin.Context, ctx context.Context, businessId, provider string) (*models.IntegrationSyncRun, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return nil, false
	}
	var run models.IntegrationSyncRun
	if err := h.DB.WithContext(ctx).Where("id = ? AND business_id = ? AND provider = ?", id, businessId, provider).
		Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	return &run, true
}

// integrationScope resolves the business and the :provider path segment,
// writing the error response itself when either is unusable.
func (h *Handlers) integrationScope(c *gin.Context) (context.Context, string, string, bool) {
	ctx, businessId, ok := h.ledgerScope(c)
	if !ok {
		return nil, "", "", false
	}
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	if !models.IsKnownProvider(provider) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return nil, "", "", false
	}
	if !config.ProviderEnabled(provider) {
		c.JSON(http.StatusForbidden, gin.H{"error": provider + " sync is disabled"})
		return nil, "", "", false
	}
	return ctx, businessId, provider, true
}

func (h *Handlers) ledgerScope(c *gin.Context) (context.Context, string, bool) {
	businessId, err := h.resolveBusinessID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, "", false
	}
	ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
	c.Request = c.Request.WithContext(ctx)
	return ctx, businessId, true
}

// resolveBusinessID picks the business a request acts for: the session
// user's own business, an explicit business_id for admins, or the business of
// an internal service token.
func (h *Handlers) resolveBusinessID(c *gin.Context) (string, error) {
	ctx := c.Request.Context()
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || strings.TrimSpace(username) == "" {
		if claim := middlewares.CtxValue(ctx); claim != nil && claim.BusinessId != "" {
			return claim.BusinessId, nil
		}
		return "", errUnauthorized
	}

	user, err := models.FindUserByUsername(ctx, h.DB, username)
	if err != nil {
		return "", errUnauthorized
	}
	if user.IsActive == nil || !*user.IsActive {
		return "", errUnauthorized
	}
	c.Request = c.Request.WithContext(utils.SetUserIdInContext(ctx, user.ID))

	businessId := strings.TrimSpace(c.Query("business_id"))
	if businessId != "" {
		if !user.IsAdmin() && user.BusinessId != businessId {
			return "", errUnauthorized
		}
		return businessId, nil
	}
	businessId = strings.TrimSpace(user.BusinessId)
	if businessId == "" {
		return "", errors.New("business_id is required")
	}
	return businessId, nil
}

func getConnection(db *gorm.DB, businessId string, provider string) (*models.IntegrationConnection, error) {
	var conn models.IntegrationConnection
	err := db.Where("business_id = ? AND provider = ?", businessId, provider).Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.IntegrationSyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Provider:      run.Provider,
		Kind:          run.Kind,
		Status:        run.Status,
		RangeStart:    run.RangeStart,
		RangeEnd:      run.RangeEnd,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		OrdersFetched: run.OrdersFetched,
		RowsWritten:   run.RowsWritten,
		RowsRetracted: run.RowsRetracted,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.IntegrationSyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			Code:       errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
