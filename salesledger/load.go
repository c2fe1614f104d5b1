package salesledger

import (
	"context"
	"time"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"gorm.io/gorm"
)

// syncPlan is what one run reads from the extract store. retractScope nil
// means the whole business is reconciled.
type syncPlan struct {
	snapshots    []models.PosSnapshot
	upsertScope  orderScope
	retractScope orderScope
}

func newPlan(snaps []models.PosSnapshot) syncPlan {
	scope := orderScope{}
	for _, s := range snaps {
		scope.add(s.Order.Provider, s.Order.ExternalId)
	}
	return syncPlan{snapshots: snaps, upsertScope: scope, retractScope: scope}
}

func loadAll(ctx context.Context, tx *gorm.DB, businessId string) (syncPlan, error) {
	snaps, err := models.LoadSnapshots(ctx, tx, businessId, nil)
	if err != nil {
		return syncPlan{}, err
	}
	plan := newPlan(snaps)
	plan.retractScope = nil
	return plan, nil
}

func loadOrder(ctx context.Context, tx *gorm.DB, businessId, provider, orderId string) (syncPlan, error) {
	snaps, err := models.LoadSnapshots(ctx, tx, businessId, func(q *gorm.DB) *gorm.DB {
		return q.Where("provider = ? AND external_id = ?", provider, orderId)
	})
	if err != nil {
		return syncPlan{}, err
	}
	plan := newPlan(snaps)
	// A vanished order still has its rows reconciled.
	if len(snaps) == 0 {
		plan.retractScope.add(provider, orderId)
	}
	return plan, nil
}

// loadRange collects the orders whose sale date falls in [start, end] plus
// every order the ledger currently books in that range, so rows of orders
// that moved to another day, or vanished, are corrected too.
func loadRange(ctx context.Context, tx *gorm.DB, businessId, start, end string, loc *time.Location) (syncPlan, error) {
	from, _ := utils.ParseDay(start)
	to, _ := utils.ParseDay(end)
	// Timestamps are UTC; one day of slack covers any timezone offset.
	windowStart := from.AddDate(0, 0, -1)
	windowEnd := to.AddDate(0, 0, 2)

	candidates, err := models.LoadSnapshots(ctx, tx, businessId, func(q *gorm.DB) *gorm.DB {
		return q.Where(
			tx.Where("business_date BETWEEN ? AND ?", start, end).
				Or("business_date IS NULL AND closed_at >= ? AND closed_at < ?", windowStart, windowEnd).
				Or("business_date IS NULL AND closed_at IS NULL AND opened_at >= ? AND opened_at < ?", windowStart, windowEnd),
		)
	})
	if err != nil {
		return syncPlan{}, err
	}

	type orderRef struct {
		Provider        string
		ExternalOrderId string
	}
	var booked []orderRef
	if err := tx.WithContext(ctx).Model(&models.SaleRow{}).
		Distinct("provider", "external_order_id").
		Where("business_id = ? AND sale_date BETWEEN ? AND ? AND parent_id IS NULL", businessId, start, end).
		Scan(&booked).Error; err != nil {
		return syncPlan{}, err
	}

	var snaps []models.PosSnapshot
	seen := map[string]bool{}
	for _, s := range candidates {
		if s.Order.IsClosed() {
			m, err := DeriveSaleDate(s.Order, loc)
			if err != nil || m.Date < start || m.Date > end {
				continue
			}
		}
		seen[s.Order.Provider+"|"+s.Order.ExternalId] = true
		snaps = append(snaps, s)
	}

	missing := orderScope{}
	for _, b := range booked {
		if !seen[b.Provider+"|"+b.ExternalOrderId] {
			missing.add(b.Provider, b.ExternalOrderId)
		}
	}
	for provider, ids := range missing {
		for _, chunk := range chunkStrings(ids, scopeChunkSize) {
			extra, err := models.LoadSnapshots(ctx, tx, businessId, func(q *gorm.DB) *gorm.DB {
				return q.Where("provider = ? AND external_id IN ?", provider, chunk)
			})
			if err != nil {
				return syncPlan{}, err
			}
			for _, s := range extra {
				seen[s.Order.Provider+"|"+s.Order.ExternalId] = true
			}
			snaps = append(snaps, extra...)
		}
	}

	plan := newPlan(snaps)
	for provider, ids := range missing {
		for _, id := range ids {
			if !seen[provider+"|"+id] {
				plan.retractScope.add(provider, id)
			}
		}
	}
	return plan, nil
}
