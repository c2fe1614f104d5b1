package salesledger

import (
	"context"
	"errors"
	"reflect"

	"github.com/mmdatafocus/pos_ledger/appctx"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	sideEffectPluginName = "sales_ledger:side_effects"

	// previousDateKey carries a row's sale date from before an update so
	// the day it moved away from is recomputed too.
	previousDateKey = "sales_ledger:previous_date"

	// innerWriteKey marks statements issued by the side effects themselves.
	innerWriteKey = "sales_ledger:inner_write"
)

// Classifier assigns categories to unclassified sale rows.
type Classifier interface {
	// ClassifyRow classifies one row in place. Returns false when no rule matched.
	ClassifyRow(ctx context.Context, tx *gorm.DB, row *models.SaleRow) (bool, error)
	// ClassifyBatch classifies at most maxRows unclassified rows of a business.
	ClassifyBatch(ctx context.Context, tx *gorm.DB, businessId string, maxRows int) (int, error)
}

// SideEffectPlugin runs the per-row consequences of a ledger write:
// classification (interactive callers only) and recomputation of the
// affected daily aggregates. Both are skipped while the context carries an
// engaged suppression switch; the bulk path then runs them once in batch.
type SideEffectPlugin struct {
	Classifier Classifier
	Logger     *logrus.Logger
}

func NewSideEffectPlugin(classifier Classifier) *SideEffectPlugin {
	return &SideEffectPlugin{Classifier: classifier, Logger: config.GetLogger()}
}

func (p *SideEffectPlugin) Name() string { return sideEffectPluginName }

func (p *SideEffectPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").Register("sales_ledger:after_create", p.afterCreate); err != nil {
		return err
	}
	if err := db.Callback().Update().After("gorm:update").Register("sales_ledger:after_update", p.afterUpdate); err != nil {
		return err
	}
	return db.Callback().Delete().After("gorm:delete").Register("sales_ledger:after_delete", p.afterDelete)
}

// InstallSideEffects registers the plugin once per connection and returns the
// registered instance.
func InstallSideEffects(db *gorm.DB, classifier Classifier) (*SideEffectPlugin, error) {
	if existing, ok := db.Config.Plugins[sideEffectPluginName].(*SideEffectPlugin); ok {
		if existing.Classifier == nil {
			existing.Classifier = classifier
		}
		return existing, nil
	}
	p := NewSideEffectPlugin(classifier)
	if err := db.Use(p); err != nil && !errors.Is(err, gorm.ErrRegistered) {
		return nil, err
	}
	return p, nil
}

func (p *SideEffectPlugin) afterCreate(db *gorm.DB) { p.dispatch(db, true) }
func (p *SideEffectPlugin) afterUpdate(db *gorm.DB) { p.dispatch(db, true) }
func (p *SideEffectPlugin) afterDelete(db *gorm.DB) { p.dispatch(db, false) }

func (p *SideEffectPlugin) dispatch(db *gorm.DB, classify bool) {
	if db.Error != nil || db.Statement == nil || db.Statement.Schema == nil {
		return
	}
	if db.Statement.Schema.Table != "sale_rows" {
		return
	}
	ctx := db.Statement.Context
	if appctx.SideEffectsSuppressed(ctx) {
		return
	}
	if v, ok := db.Get(innerWriteKey); ok && v == true {
		return
	}

	rows := saleRowsOf(db.Statement.ReflectValue)
	if len(rows) == 0 {
		return
	}

	days := daySet{}
	prev, hasPrev := db.Get(previousDateKey)
	for _, r := range rows {
		days.addRow(*r)
		if d, ok := prev.(string); hasPrev && ok {
			days.add(models.DayKey{BusinessId: r.BusinessId, Provider: r.Provider, SaleDate: d})
		}
	}

	inner := innerSession(db)

	if classify && p.Classifier != nil {
		if _, interactive := utils.GetUsernameFromContext(ctx); interactive {
			for _, r := range rows {
				if r.ID == 0 || r.IsSplit || r.ClassificationState != models.ClassificationUnclassified {
					continue
				}
				if _, err := p.Classifier.ClassifyRow(ctx, inner, r); err != nil {
					// The scheduled classification job picks the row up later.
					config.LogError(p.Logger, "salesledger", "dispatch", "classify row", r.ID, err)
				}
			}
		}
	}

	if err := recomputeDays(ctx, inner, days); err != nil {
		_ = db.AddError(err)
	}
}

// innerSession shares the caller's connection (and transaction) but tags
// every statement so this plugin ignores its own writes.
func innerSession(db *gorm.DB) *gorm.DB {
	return db.Session(&gorm.Session{NewDB: true}).
		Set(innerWriteKey, true).
		Session(&gorm.Session{})
}

func saleRowsOf(v reflect.Value) []*models.SaleRow {
	v = reflect.Indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		if r, ok := v.Addr().Interface().(*models.SaleRow); ok {
			return []*models.SaleRow{r}
		}
	case reflect.Slice, reflect.Array:
		out := make([]*models.SaleRow, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			e := reflect.Indirect(v.Index(i))
			if !e.CanAddr() {
				continue
			}
			if r, ok := e.Addr().Interface().(*models.SaleRow); ok {
				out = append(out, r)
			}
		}
		return out
	}
	return nil
}
