package salesledger

import (
	"context"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type upsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	Touched   daySet
}

func (u upsertResult) written() int { return u.Inserted + u.Updated }

// upsertRows writes the desired canonical rows of a set of orders. Existing
// rows are matched on their canonical key and mutated in place so their id,
// classification and split state survive; unchanged rows are not written.
func upsertRows(ctx context.Context, tx *gorm.DB, businessId string, scope orderScope, desired []models.SaleRow) (upsertResult, error) {
	res := upsertResult{Touched: daySet{}}

	existing, err := loadCanonical(ctx, tx, businessId, scope)
	if err != nil {
		return res, err
	}

	for i := range desired {
		want := desired[i]
		key := want.Key()

		have, ok := existing[key]
		if !ok {
			if err := tx.WithContext(ctx).Create(&want).Error; err != nil {
				return res, err
			}
			existing[key] = &want
			res.Inserted++
			res.Touched.addRow(want)
			continue
		}
		if have.ContentEqual(want) {
			res.Unchanged++
			continue
		}

		oldDate := have.SaleDate
		res.Touched.addRow(*have)

		applyContent(have, want)
		q := tx.WithContext(ctx)
		if oldDate != have.SaleDate {
			q = q.Set(previousDateKey, oldDate)
		}
		if err := q.Save(have).Error; err != nil {
			return res, err
		}
		res.Updated++
		res.Touched.addRow(*have)

		if have.IsSplit {
			days, err := syncChildren(ctx, tx, *have)
			if err != nil {
				return res, err
			}
			res.Touched.merge(days)
		}
	}
	return res, nil
}

// applyContent copies the provider-derived fields of src onto dst.
func applyContent(dst *models.SaleRow, src models.SaleRow) {
	if dst.Name != src.Name || dst.CategoryLabel != src.CategoryLabel {
		dst.ClassificationAttemptedAt = nil
	}
	dst.SourceExternalId = src.SourceExternalId
	dst.Name = src.Name
	dst.Quantity = src.Quantity
	dst.UnitPrice = src.UnitPrice
	dst.TotalPrice = src.TotalPrice
	dst.SaleDate = src.SaleDate
	dst.SaleTime = src.SaleTime
	dst.ItemType = src.ItemType
	dst.AdjustmentType = src.AdjustmentType
	dst.CategoryLabel = src.CategoryLabel
}

// loadCanonical returns the canonical rows of the scoped orders by key.
func loadCanonical(ctx context.Context, tx *gorm.DB, businessId string, scope orderScope) (map[string]*models.SaleRow, error) {
	out := map[string]*models.SaleRow{}
	for provider, orderIds := range scope {
		for _, chunk := range chunkStrings(orderIds, scopeChunkSize) {
			var rows []models.SaleRow
			if err := tx.WithContext(ctx).
				Where("business_id = ? AND provider = ? AND external_order_id IN ? AND parent_id IS NULL", businessId, provider, chunk).
				Find(&rows).Error; err != nil {
				return nil, err
			}
			for i := range rows {
				r := rows[i]
				out[r.Key()] = &r
			}
		}
	}
	return out, nil
}

// syncChildren keeps split children consistent with a parent that changed:
// they follow its date and are rescaled so they still sum to its total.
func syncChildren(ctx context.Context, tx *gorm.DB, parent models.SaleRow) (daySet, error) {
	days := daySet{}
	var children []models.SaleRow
	if err := tx.WithContext(ctx).Where("business_id = ? AND parent_id = ?", parent.BusinessId, parent.ID).
		Order("id").Find(&children).Error; err != nil {
		return days, err
	}
	if len(children) == 0 {
		return days, nil
	}

	weights := make([]decimal.Decimal, len(children))
	for i, c := range children {
		weights[i] = c.TotalPrice
	}
	amounts := allocateProRata(weights, parent.TotalPrice)

	for i := range children {
		c := &children[i]
		oldDate := c.SaleDate
		days.addRow(*c)

		c.TotalPrice = amounts[i]
		c.UnitPrice = unitPrice(c.Quantity, c.TotalPrice)
		c.SaleDate = parent.SaleDate
		c.SaleTime = parent.SaleTime
		c.SourceExternalId = parent.SourceExternalId
		c.ItemType = parent.ItemType
		c.AdjustmentType = parent.AdjustmentType

		q := tx.WithContext(ctx)
		if oldDate != c.SaleDate {
			q = q.Set(previousDateKey, oldDate)
		}
		if err := q.Save(c).Error; err != nil {
			return days, err
		}
		days.addRow(*c)
	}
	return days, nil
}
