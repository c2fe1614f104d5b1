// Package salesledger turns provider POS extracts into the canonical sales
// ledger and keeps it, and the daily aggregates derived from it, consistent
// across repeated and overlapping sync runs.
package salesledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/pos_ledger/appctx"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type Mode string

const (
	ModeBulk        Mode = "bulk"
	ModeIncremental Mode = "incremental"
)

// Result summarizes one sync run.
type Result struct {
	Mode          Mode `json:"mode"`
	OrdersScanned int  `json:"orders_scanned"`
	OrdersSkipped int  `json:"orders_skipped"`
	RowsWritten   int  `json:"rows_written"`
	RowsUnchanged int  `json:"rows_unchanged"`
	RowsRetracted int  `json:"rows_retracted"`
	DaysTouched   int  `json:"days_touched"`
	Classified    int  `json:"classified"`
}

type Engine struct {
	DB         *gorm.DB
	Classifier Classifier
	Authorizer Authorizer
	Settings   config.SyncSettings
	Logger     *logrus.Logger
	Tracer     trace.Tracer
}

// NewEngine wires an engine and registers the ledger side effects on db.
func NewEngine(db *gorm.DB, classifier Classifier, authorizer Authorizer, settings config.SyncSettings) (*Engine, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := InstallSideEffects(db, classifier); err != nil {
		return nil, fmt.Errorf("install side effects: %w", err)
	}
	if authorizer == nil {
		authorizer = UserAuthorizer{DB: db}
	}
	return &Engine{
		DB:         db,
		Classifier: classifier,
		Authorizer: authorizer,
		Settings:   settings,
		Logger:     config.GetLogger(),
		Tracer:     otel.Tracer("pos-ledger/salesledger"),
	}, nil
}

// SyncAll reconciles the whole ledger of a business against the extract
// store. Always runs in bulk mode.
func (e *Engine) SyncAll(ctx context.Context, businessId string) (Result, error) {
	return e.run(ctx, "SyncAll", businessId, func(ctx context.Context, tx *gorm.DB, _ *time.Location) (syncPlan, error) {
		return loadAll(ctx, tx, businessId)
	}, func(int) Mode { return ModeBulk })
}

// SyncRange reconciles the orders booked between start and end (inclusive,
// YYYY-MM-DD in the business timezone). Large ranges switch to bulk mode.
func (e *Engine) SyncRange(ctx context.Context, businessId string, start, end string) (Result, error) {
	if err := validateRange(start, end); err != nil {
		return Result{}, err
	}
	return e.run(ctx, "SyncRange", businessId, func(ctx context.Context, tx *gorm.DB, loc *time.Location) (syncPlan, error) {
		return loadRange(ctx, tx, businessId, start, end, loc)
	}, e.modeFor)
}

// SyncOrder reconciles a single order; used right after a webhook or a
// manual edit. Always incremental.
func (e *Engine) SyncOrder(ctx context.Context, businessId, provider, orderId string) (Result, error) {
	if provider == "" || orderId == "" {
		return Result{}, errors.New("provider and order id are required")
	}
	return e.run(ctx, "SyncOrder", businessId, func(ctx context.Context, tx *gorm.DB, _ *time.Location) (syncPlan, error) {
		return loadOrder(ctx, tx, businessId, provider, orderId)
	}, func(int) Mode { return ModeIncremental })
}

// ClassifyPending runs one bounded classification batch for a business.
// This is the catch-up path for rows written by background syncs.
func (e *Engine) ClassifyPending(ctx context.Context, businessId string) (int, error) {
	if businessId == "" {
		return 0, ErrBusinessRequired
	}
	if e.Classifier == nil {
		return 0, nil
	}
	return e.Classifier.ClassifyBatch(ctx, innerSession(e.DB.WithContext(ctx)), businessId, e.Settings.ClassifyMaxRows)
}

func (e *Engine) modeFor(orders int) Mode {
	if e.Settings.BulkThreshold > 0 && orders >= e.Settings.BulkThreshold {
		return ModeBulk
	}
	return ModeIncremental
}

type planLoader func(ctx context.Context, tx *gorm.DB, loc *time.Location) (syncPlan, error)

func (e *Engine) run(ctx context.Context, op string, businessId string, load planLoader, mode func(int) Mode) (Result, error) {
	var res Result
	if businessId == "" {
		return res, ErrBusinessRequired
	}

	caller, interactive := utils.GetUsernameFromContext(ctx)
	if interactive {
		ok, err := e.Authorizer.IsAuthorized(ctx, businessId, caller)
		if err != nil {
			return res, fmt.Errorf("authorize: %w", err)
		}
		if !ok {
			return res, ErrUnauthorized
		}
	}

	timeout := e.Settings.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSyncSettings().Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := e.tracer().Start(ctx, "salesledger."+op, trace.WithAttributes(
		attribute.String("business_id", businessId),
		attribute.Bool("interactive", interactive),
	))
	defer span.End()

	started := time.Now()
	logger := e.logger().WithFields(logrus.Fields{
		"business_id": businessId,
		"op":          op,
	})

	business, err := models.GetBusiness(ctx, e.DB, businessId)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	loc := business.Location(e.Settings.DefaultTimezone)

	touched := daySet{}
	err = e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := load(ctx, tx, loc)
		if err != nil {
			return fmt.Errorf("load extracts: %w", err)
		}
		res.Mode = mode(len(plan.snapshots))
		res.OrdersScanned = len(plan.snapshots)

		txCtx := ctx
		if res.Mode == ModeBulk {
			var release func()
			txCtx, release = appctx.WithSideEffectsSuppressed(ctx)
			defer release()
		}

		desired := make([]models.SaleRow, 0, len(plan.snapshots)*2)
		for _, snap := range plan.snapshots {
			rows, err := Transform(snap, loc)
			if err != nil {
				res.OrdersSkipped++
				logger.WithFields(logrus.Fields{
					"provider": snap.Order.Provider,
					"order_id": snap.Order.ExternalId,
				}).Warnf("skip order: %v", err)
				continue
			}
			desired = append(desired, rows...)
		}

		_, rspan := e.tracer().Start(txCtx, "salesledger.retract")
		retracted, err := retractIneligible(txCtx, tx, businessId, plan.retractScope)
		rspan.End()
		if err != nil {
			return fmt.Errorf("retract: %w", err)
		}

		_, uspan := e.tracer().Start(txCtx, "salesledger.upsert")
		upserted, err := upsertRows(txCtx, tx, businessId, plan.upsertScope, desired)
		uspan.End()
		if err != nil {
			return fmt.Errorf("upsert: %w", err)
		}

		res.RowsRetracted = retracted.Retracted
		res.RowsWritten = upserted.written()
		res.RowsUnchanged = upserted.Unchanged
		touched.merge(retracted.Touched)
		touched.merge(upserted.Touched)
		return nil
	})
	res.DaysTouched = len(touched)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("sync timed out after %s: %w", timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(e.logger(), "salesledger", op, "sync transaction rolled back", businessId, err)
		return Result{Mode: res.Mode}, err
	}

	if res.Mode == ModeBulk {
		if err := e.batchSideEffects(ctx, businessId, interactive, touched, &res); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			config.LogError(e.logger(), "salesledger", op, "batch side effects failed", businessId, err)
			return res, err
		}
	}

	logger.WithFields(logrus.Fields{
		"mode":           res.Mode,
		"orders":         res.OrdersScanned,
		"rows_written":   res.RowsWritten,
		"rows_retracted": res.RowsRetracted,
		"days_touched":   res.DaysTouched,
		"duration_ms":    time.Since(started).Milliseconds(),
	}).Info("sales ledger sync finished")
	return res, nil
}

// batchSideEffects runs what the suppressed hooks skipped: one bounded
// classification call and one recompute per distinct touched day.
func (e *Engine) batchSideEffects(ctx context.Context, businessId string, interactive bool, touched daySet, res *Result) error {
	ctx, span := e.tracer().Start(ctx, "salesledger.batch_side_effects", trace.WithAttributes(
		attribute.Int("days", len(touched)),
	))
	defer span.End()

	if interactive && e.Classifier != nil {
		n, err := e.Classifier.ClassifyBatch(ctx, innerSession(e.DB.WithContext(ctx)), businessId, e.Settings.ClassifyMaxRows)
		if err != nil {
			return &SideEffectError{Result: *res, Stage: "classification", Err: err}
		}
		res.Classified = n
	}

	if err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return recomputeDays(ctx, innerSession(tx), touched)
	}); err != nil {
		return &SideEffectError{Result: *res, Stage: "aggregation", Err: err}
	}
	return nil
}

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer == nil {
		return otel.Tracer("pos-ledger/salesledger")
	}
	return e.Tracer
}

func (e *Engine) logger() *logrus.Logger {
	if e.Logger == nil {
		return config.GetLogger()
	}
	return e.Logger
}
