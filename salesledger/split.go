package salesledger

import (
	"context"
	"errors"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Allocation assigns part of a row's total to a category.
type Allocation struct {
	CategoryId uint            `json:"category_id" validate:"required"`
	Amount     decimal.Decimal `json:"amount"`
}

// splitTolerance is the largest rounding gap the last allocation may absorb.
var splitTolerance = decimal.New(1, -2)

// SplitRow divides a canonical row across categories. The parent stays in
// the ledger (keeping its canonical key so resyncs keep updating it) but is
// excluded from aggregates; the children carry the amounts.
func SplitRow(ctx context.Context, db *gorm.DB, businessId string, rowId uint, allocs []Allocation) ([]models.SaleRow, error) {
	if businessId == "" {
		return nil, ErrBusinessRequired
	}
	if len(allocs) < 2 {
		return nil, ErrSplitMismatch
	}

	var children []models.SaleRow
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := loadRow(ctx, tx, businessId, rowId)
		if err != nil {
			return err
		}
		if parent.IsChild() {
			return ErrNotCanonical
		}
		if parent.IsSplit {
			return ErrAlreadySplit
		}

		amounts := make([]decimal.Decimal, len(allocs))
		sum := decimal.Zero
		for i, a := range allocs {
			amounts[i] = a.Amount
			sum = sum.Add(a.Amount)
		}
		gap := parent.TotalPrice.Sub(sum)
		if gap.Abs().GreaterThan(splitTolerance) {
			return ErrSplitMismatch
		}
		last := len(amounts) - 1
		amounts[last] = amounts[last].Add(gap)

		parent.IsSplit = true
		parent.ClassificationState = models.ClassificationSplit
		if err := tx.WithContext(ctx).Save(parent).Error; err != nil {
			return err
		}

		parentId := parent.ID
		for i, a := range allocs {
			categoryId := a.CategoryId
			child := models.SaleRow{
				BusinessId:          parent.BusinessId,
				Provider:            parent.Provider,
				ExternalOrderId:     parent.ExternalOrderId,
				ExternalItemId:      parent.ExternalItemId,
				SourceExternalId:    parent.SourceExternalId,
				Name:                parent.Name,
				Quantity:            parent.Quantity,
				UnitPrice:           unitPrice(parent.Quantity, amounts[i]),
				TotalPrice:          amounts[i],
				SaleDate:            parent.SaleDate,
				SaleTime:            parent.SaleTime,
				ItemType:            parent.ItemType,
				AdjustmentType:      parent.AdjustmentType,
				CategoryLabel:       parent.CategoryLabel,
				ClassificationState: models.ClassificationClassified,
				CategoryId:          &categoryId,
				ParentId:            &parentId,
			}
			if err := tx.WithContext(ctx).Create(&child).Error; err != nil {
				return err
			}
			children = append(children, child)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return children, nil
}

// UnsplitRow removes a row's split children and makes it count again.
func UnsplitRow(ctx context.Context, db *gorm.DB, businessId string, rowId uint) error {
	if businessId == "" {
		return ErrBusinessRequired
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parent, err := loadRow(ctx, tx, businessId, rowId)
		if err != nil {
			return err
		}
		if !parent.IsSplit {
			return ErrNotSplit
		}

		var children []models.SaleRow
		if err := tx.WithContext(ctx).Where("business_id = ? AND parent_id = ?", businessId, parent.ID).
			Find(&children).Error; err != nil {
			return err
		}
		if len(children) > 0 {
			if err := tx.WithContext(ctx).Delete(&children).Error; err != nil {
				return err
			}
		}

		parent.IsSplit = false
		parent.ClassificationState = models.ClassificationUnclassified
		if parent.CategoryId != nil {
			parent.ClassificationState = models.ClassificationClassified
		}
		return tx.WithContext(ctx).Save(parent).Error
	})
}

func loadRow(ctx context.Context, tx *gorm.DB, businessId string, rowId uint) (*models.SaleRow, error) {
	var row models.SaleRow
	err := tx.WithContext(ctx).Where("business_id = ? AND id = ?", businessId, rowId).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRowNotFound
		}
		return nil, err
	}
	return &row, nil
}

// allocateProRata distributes total across weights proportionally. Amounts
// are rounded to four places and the last one takes the remainder, so the
// result always sums to total exactly. Zero weights split evenly.
func allocateProRata(weights []decimal.Decimal, total decimal.Decimal) []decimal.Decimal {
	n := len(weights)
	out := make([]decimal.Decimal, n)
	if n == 0 {
		return out
	}

	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}

	allocated := decimal.Zero
	for i := 0; i < n-1; i++ {
		if sum.IsZero() {
			out[i] = total.DivRound(decimal.NewFromInt(int64(n)), 4)
		} else {
			out[i] = weights[i].Mul(total).DivRound(sum, 4)
		}
		allocated = allocated.Add(out[i])
	}
	out[n-1] = total.Sub(allocated)
	return out
}
