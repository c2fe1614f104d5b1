package salesledger

import (
	"context"
	"sort"
	"time"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// daySet collects the aggregate rows a pass has touched.
type daySet map[models.DayKey]struct{}

func (s daySet) add(k models.DayKey) {
	if k.SaleDate == "" {
		return
	}
	s[k] = struct{}{}
}

func (s daySet) addRow(r models.SaleRow) {
	s.add(models.DayKey{BusinessId: r.BusinessId, Provider: r.Provider, SaleDate: r.SaleDate})
}

func (s daySet) merge(o daySet) {
	for k := range o {
		s[k] = struct{}{}
	}
}

// sorted returns the keys in a stable order so recomputes are deterministic.
func (s daySet) sorted() []models.DayKey {
	out := make([]models.DayKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BusinessId != out[j].BusinessId {
			return out[i].BusinessId < out[j].BusinessId
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].SaleDate < out[j].SaleDate
	})
	return out
}

type aggregateRow struct {
	ExternalOrderId string
	TotalPrice      decimal.Decimal
	AdjustmentType  *models.AdjustmentType
	IsSplit         bool
}

// RecomputeDay rebuilds one aggregate row from the ledger. Amounts are summed
// at full precision and rounded once. A day with no rows left loses its
// aggregate row. Returns nil in that case.
func RecomputeDay(ctx context.Context, tx *gorm.DB, key models.DayKey) (*models.DailySalesSummary, error) {
	var rows []aggregateRow
	if err := tx.WithContext(ctx).Model(&models.SaleRow{}).
		Select("external_order_id, total_price, adjustment_type, is_split").
		Where("business_id = ? AND provider = ? AND sale_date = ?", key.BusinessId, key.Provider, key.SaleDate).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		err := tx.WithContext(ctx).
			Where("business_id = ? AND provider = ? AND sale_date = ?", key.BusinessId, key.Provider, key.SaleDate).
			Delete(&models.DailySalesSummary{}).Error
		return nil, err
	}

	summary := summarize(key, rows)
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "sale_date"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gross_revenue", "transaction_count", "tax_total", "tip_total", "discount_total",
			"refund_total", "service_charge_total", "updated_at",
		}),
	}).Create(&summary).Error; err != nil {
		return nil, err
	}
	return &summary, nil
}

func summarize(key models.DayKey, rows []aggregateRow) models.DailySalesSummary {
	var gross, tax, tip, discount, refund, service decimal.Decimal
	perOrder := map[string]decimal.Decimal{}

	for _, r := range rows {
		if r.IsSplit {
			continue
		}
		if r.AdjustmentType == nil {
			gross = gross.Add(r.TotalPrice)
			perOrder[r.ExternalOrderId] = perOrder[r.ExternalOrderId].Add(r.TotalPrice)
			continue
		}
		switch *r.AdjustmentType {
		case models.AdjustmentTax:
			tax = tax.Add(r.TotalPrice)
		case models.AdjustmentTip:
			tip = tip.Add(r.TotalPrice)
		case models.AdjustmentDiscount:
			discount = discount.Add(r.TotalPrice)
		case models.AdjustmentRefund:
			refund = refund.Add(r.TotalPrice)
		case models.AdjustmentServiceCharge:
			service = service.Add(r.TotalPrice)
		}
	}

	count := 0
	for _, v := range perOrder {
		if !v.IsZero() {
			count++
		}
	}

	return models.DailySalesSummary{
		BusinessId:         key.BusinessId,
		SaleDate:           key.SaleDate,
		Provider:           key.Provider,
		GrossRevenue:       gross.Round(2),
		TransactionCount:   count,
		TaxTotal:           tax.Round(2),
		TipTotal:           tip.Round(2),
		DiscountTotal:      discount.Round(2),
		RefundTotal:        refund.Round(2),
		ServiceChargeTotal: service.Round(2),
	}
}

func recomputeDays(ctx context.Context, tx *gorm.DB, days daySet) error {
	for _, k := range days.sorted() {
		if _, err := RecomputeDay(ctx, tx, k); err != nil {
			return err
		}
	}
	return nil
}

// RebuildStats reports one RebuildDailySummaries call.
type RebuildStats struct {
	Recomputed int
	Removed    int
}

// RebuildDailySummaries recomputes every aggregate row of a business between
// from and to (inclusive YYYY-MM-DD). Days that still have a summary but no
// ledger rows are removed. Safe to rerun.
func RebuildDailySummaries(ctx context.Context, db *gorm.DB, businessId, from, to string) (RebuildStats, error) {
	var stats RebuildStats
	if businessId == "" {
		return stats, ErrBusinessRequired
	}
	if err := validateRange(from, to); err != nil {
		return stats, err
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		days := daySet{}

		var ledgerDays []models.DayKey
		if err := tx.Model(&models.SaleRow{}).
			Select("DISTINCT business_id, provider, sale_date").
			Where("business_id = ? AND sale_date BETWEEN ? AND ?", businessId, from, to).
			Scan(&ledgerDays).Error; err != nil {
			return err
		}
		for _, k := range ledgerDays {
			days.add(k)
		}

		var summaryDays []models.DayKey
		if err := tx.Model(&models.DailySalesSummary{}).
			Select("business_id, provider, sale_date").
			Where("business_id = ? AND sale_date BETWEEN ? AND ?", businessId, from, to).
			Scan(&summaryDays).Error; err != nil {
			return err
		}
		for _, k := range summaryDays {
			days.add(k)
		}

		for _, k := range days.sorted() {
			s, err := RecomputeDay(ctx, tx, k)
			if err != nil {
				return err
			}
			if s == nil {
				stats.Removed++
			} else {
				stats.Recomputed++
			}
		}
		return nil
	})
	return stats, err
}

func validateRange(from, to string) error {
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return ErrInvalidRange
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return ErrInvalidRange
	}
	if end.Before(start) {
		return ErrInvalidRange
	}
	return nil
}
