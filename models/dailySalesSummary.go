package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailySalesSummary is the per-day rollup of the sales ledger used by dashboards.
//
// Grain: (business_id, sale_date, provider).
// - gross_revenue: revenue and void offsets, excluding adjustments and split parents
// - transaction_count: orders with non-zero revenue on the day
// - *_total: adjustment rows of each kind, signed as stored on the ledger
//
// NOTE: This table is derived data. It is always recomputed from sale_rows,
// never patched.
type DailySalesSummary struct {
	BusinessId string `gorm:"primaryKey;size:64;index:idx_dss_biz_date,priority:1" json:"business_id"`
	SaleDate   string `gorm:"primaryKey;size:10;index:idx_dss_biz_date,priority:2" json:"sale_date"`
	Provider   string `gorm:"primaryKey;size:32" json:"provider"`

	GrossRevenue       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"gross_revenue"`
	TransactionCount   int             `gorm:"not null;default:0" json:"transaction_count"`
	TaxTotal           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tax_total"`
	TipTotal           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tip_total"`
	DiscountTotal      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"discount_total"`
	RefundTotal        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"refund_total"`
	ServiceChargeTotal decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"service_charge_total"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DayKey identifies one aggregate row.
type DayKey struct {
	BusinessId string
	Provider   string
	SaleDate   string
}
