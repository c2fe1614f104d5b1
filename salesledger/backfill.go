package salesledger

import (
	"context"

	"github.com/mmdatafocus/pos_ledger/appctx"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type RederiveStats struct {
	OrdersScanned int `json:"orders_scanned"`
	RowsMoved     int `json:"rows_moved"`
	DaysTouched   int `json:"days_touched"`
}

// RederiveSaleDates corrects the sale date and time of existing rows from the
// authoritative fields of their orders, for rows booked before provider
// business dates were honoured. Rows are matched by provider ids and every
// day a row left or joined is recomputed. Rerunning is a no-op.
func RederiveSaleDates(ctx context.Context, db *gorm.DB, businessId string, defaultTimezone string) (RederiveStats, error) {
	var stats RederiveStats
	if businessId == "" {
		return stats, ErrBusinessRequired
	}
	business, err := models.GetBusiness(ctx, db, businessId)
	if err != nil {
		return stats, err
	}
	loc := business.Location(defaultTimezone)
	logger := config.GetLogger().WithField("business_id", businessId)

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snaps, err := models.LoadSnapshots(ctx, tx, businessId, nil)
		if err != nil {
			return err
		}
		stats.OrdersScanned = len(snaps)

		bulkCtx, release := appctx.WithSideEffectsSuppressed(ctx)
		defer release()

		touched := daySet{}
		for _, snap := range snaps {
			if !snap.Order.IsClosed() {
				continue
			}
			m, err := DeriveSaleDate(snap.Order, loc)
			if err != nil {
				logger.WithField("order_id", snap.Order.ExternalId).Warnf("rederive skipped: %v", err)
				continue
			}

			var rows []models.SaleRow
			if err := tx.WithContext(bulkCtx).
				Where("business_id = ? AND provider = ? AND external_order_id = ?", businessId, snap.Order.Provider, snap.Order.ExternalId).
				Where("(sale_date <> ? OR sale_time <> ? OR sale_time IS NULL)", m.Date, m.Time).
				Find(&rows).Error; err != nil {
				return err
			}
			for i := range rows {
				r := &rows[i]
				touched.addRow(*r)
				r.SaleDate = m.Date
				r.SaleTime = m.Time
				if err := tx.WithContext(bulkCtx).Save(r).Error; err != nil {
					return err
				}
				touched.addRow(*r)
				stats.RowsMoved++
			}
		}

		stats.DaysTouched = len(touched)
		return recomputeDays(ctx, innerSession(tx), touched)
	})
	if err != nil {
		return stats, err
	}
	logger.WithFields(logrus.Fields{
		"orders_scanned": stats.OrdersScanned,
		"rows_moved":     stats.RowsMoved,
		"days_touched":   stats.DaysTouched,
	}).Info("sale dates rederived")
	return stats, nil
}
