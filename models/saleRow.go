package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ItemType string

const (
	ItemTypeSale          ItemType = "sale"
	ItemTypeTax           ItemType = "tax"
	ItemTypeTip           ItemType = "tip"
	ItemTypeDiscount      ItemType = "discount"
	ItemTypeVoid          ItemType = "void"
	ItemTypeRefund        ItemType = "refund"
	ItemTypeServiceCharge ItemType = "service_charge"
)

// AdjustmentType marks rows that are not revenue. Void offsets carry no
// adjustment type: they reverse revenue and must net against it.
type AdjustmentType string

const (
	AdjustmentTax           AdjustmentType = "tax"
	AdjustmentTip           AdjustmentType = "tip"
	AdjustmentDiscount      AdjustmentType = "discount"
	AdjustmentRefund        AdjustmentType = "refund"
	AdjustmentServiceCharge AdjustmentType = "service_charge"
)

type ClassificationState string

const (
	ClassificationUnclassified ClassificationState = "unclassified"
	ClassificationClassified   ClassificationState = "classified"
	ClassificationSplit        ClassificationState = "split"
)

// Item id suffixes of derived rows.
const (
	SuffixDiscount      = "_discount"
	SuffixVoid          = "_void"
	SuffixTax           = "_tax"
	SuffixServiceCharge = "_service_charge"
	SuffixTip           = "_tip"
	SuffixRefund        = "_refund"
)

// SaleRow is one line of the canonical sales ledger.
//
// Canonical rows are unique on (business_id, provider, external_order_id,
// external_item_id); that key is materialized in CanonicalKey so a plain
// unique index can enforce it. Split children share the parent's provider ids
// and leave CanonicalKey NULL.
type SaleRow struct {
	ID                        uint                `gorm:"primary_key" json:"id"`
	BusinessId                string              `gorm:"size:64;not null;index:idx_sr_biz_date,priority:1;index:idx_sr_biz_order,priority:1" json:"business_id"`
	Provider                  string              `gorm:"size:32;not null;index:idx_sr_biz_date,priority:2;index:idx_sr_biz_order,priority:2" json:"provider"`
	ExternalOrderId           string              `gorm:"size:128;not null;index:idx_sr_biz_order,priority:3" json:"external_order_id"`
	ExternalItemId            string              `gorm:"size:160;not null" json:"external_item_id"`
	SourceExternalId          string              `gorm:"size:128;not null" json:"source_external_id"`
	CanonicalKey              *string             `gorm:"size:255;uniqueIndex:uniq_sale_row_key" json:"-"`
	Name                      string              `gorm:"size:255" json:"name"`
	Quantity                  decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
	UnitPrice                 decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"unit_price"`
	TotalPrice                decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"total_price"`
	SaleDate                  string              `gorm:"size:10;not null;index:idx_sr_biz_date,priority:3" json:"sale_date"`
	SaleTime                  string              `gorm:"size:8" json:"sale_time"`
	ItemType                  ItemType            `gorm:"size:20;not null" json:"item_type"`
	AdjustmentType            *AdjustmentType     `gorm:"size:20" json:"adjustment_type"`
	CategoryLabel             string              `gorm:"size:255" json:"category_label"`
	ClassificationState       ClassificationState `gorm:"size:20;not null" json:"classification_state"`
	CategoryId                *uint               `gorm:"index" json:"category_id"`
	ClassificationAttemptedAt *time.Time          `gorm:"index" json:"-"`
	IsSplit                   bool                `gorm:"not null" json:"is_split"`
	ParentId                  *uint               `gorm:"index" json:"parent_id"`
	CreatedAt                 time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                 time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func CanonicalKeyOf(businessId, provider, orderId, itemId string) string {
	return fmt.Sprintf("%s|%s|%s|%s", businessId, provider, orderId, itemId)
}

func (r SaleRow) Key() string {
	return CanonicalKeyOf(r.BusinessId, r.Provider, r.ExternalOrderId, r.ExternalItemId)
}

func (r SaleRow) IsChild() bool {
	return r.ParentId != nil
}

// CountsAsRevenue reports whether the row contributes to gross revenue.
func (r SaleRow) CountsAsRevenue() bool {
	return r.AdjustmentType == nil && !r.IsSplit
}

// ContentEqual compares the provider-derived fields only; identity,
// classification and split state are owned by the ledger.
func (r SaleRow) ContentEqual(o SaleRow) bool {
	return r.SourceExternalId == o.SourceExternalId &&
		r.Name == o.Name &&
		r.Quantity.Equal(o.Quantity) &&
		r.UnitPrice.Equal(o.UnitPrice) &&
		r.TotalPrice.Equal(o.TotalPrice) &&
		r.SaleDate == o.SaleDate &&
		r.SaleTime == o.SaleTime &&
		r.ItemType == o.ItemType &&
		adjustmentEqual(r.AdjustmentType, o.AdjustmentType) &&
		r.CategoryLabel == o.CategoryLabel
}

func adjustmentEqual(a, b *AdjustmentType) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func AdjustmentPtr(a AdjustmentType) *AdjustmentType {
	return &a
}
