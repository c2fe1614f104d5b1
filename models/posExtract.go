package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Provider extract store: raw POS records as last reported by each provider,
// deduplicated by provider-native ids and refreshed in place on every sync.

type OrderState string

const (
	OrderStateCompleted OrderState = "completed"
	OrderStateOpen      OrderState = "open"
	OrderStateVoided    OrderState = "voided"
)

type PaymentStatus string

const (
	PaymentStatusCaptured PaymentStatus = "captured"
	PaymentStatusDenied   PaymentStatus = "denied"
	PaymentStatusVoided   PaymentStatus = "voided"
)

type RefundStatus string

const (
	RefundStatusNone              RefundStatus = ""
	RefundStatusPending           RefundStatus = "pending"
	RefundStatusRefunded          RefundStatus = "refunded"
	RefundStatusPartiallyRefunded RefundStatus = "partially_refunded"
	RefundStatusFailed            RefundStatus = "failed"
)

type PosOrder struct {
	ID                  uint            `gorm:"primaryKey" json:"id"`
	BusinessId          string          `gorm:"size:64;not null;uniqueIndex:uniq_pos_order,priority:1;index:idx_pos_order_date,priority:1" json:"business_id"`
	Provider            string          `gorm:"size:32;not null;uniqueIndex:uniq_pos_order,priority:2" json:"provider"`
	ExternalId          string          `gorm:"size:128;not null;uniqueIndex:uniq_pos_order,priority:3" json:"external_id"`
	State               OrderState      `gorm:"size:20;not null" json:"state"`
	BusinessDate        *string         `gorm:"size:10;index:idx_pos_order_date,priority:2" json:"business_date"`
	OpenedAt            *time.Time      `json:"opened_at"`
	ClosedAt            *time.Time      `gorm:"index" json:"closed_at"`
	GrossAmount         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"gross_amount"`
	TaxAmount           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tax_amount"`
	TipAmount           decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tip_amount"`
	DiscountAmount      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"discount_amount"`
	ServiceChargeAmount decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"service_charge_amount"`
	Currency            string          `gorm:"size:8" json:"currency"`
	PayloadJSON         []byte          `gorm:"type:json" json:"payload"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type PosLineItem struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	BusinessId      string          `gorm:"size:64;not null;uniqueIndex:uniq_pos_line_item,priority:1" json:"business_id"`
	Provider        string          `gorm:"size:32;not null;uniqueIndex:uniq_pos_line_item,priority:2" json:"provider"`
	OrderExternalId string          `gorm:"size:128;not null;uniqueIndex:uniq_pos_line_item,priority:3" json:"order_external_id"`
	ExternalId      string          `gorm:"size:128;not null;uniqueIndex:uniq_pos_line_item,priority:4" json:"external_id"`
	Name            string          `gorm:"size:255" json:"name"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"quantity"`
	LineTotal       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"line_total"`
	DiscountAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"discount_amount"`
	Voided          bool            `gorm:"not null;default:false" json:"voided"`
	CategoryLabel   string          `gorm:"size:255" json:"category_label"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type PosPayment struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	BusinessId      string          `gorm:"size:64;not null;uniqueIndex:uniq_pos_payment,priority:1" json:"business_id"`
	Provider        string          `gorm:"size:32;not null;uniqueIndex:uniq_pos_payment,priority:2" json:"provider"`
	OrderExternalId string          `gorm:"size:128;not null;index" json:"order_external_id"`
	ExternalId      string          `gorm:"size:128;not null;uniqueIndex:uniq_pos_payment,priority:3" json:"external_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"amount"`
	TipAmount       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"tip_amount"`
	Status          PaymentStatus   `gorm:"size:20;not null" json:"status"`
	RefundStatus    RefundStatus    `gorm:"size:24" json:"refund_status"`
	RefundAmount    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"refund_amount"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// PosSnapshot is one order together with its line items and payments.
type PosSnapshot struct {
	Order    PosOrder
	Items    []PosLineItem
	Payments []PosPayment
}

func (o PosOrder) IsClosed() bool {
	return o.State == OrderStateCompleted || o.State == OrderStateVoided
}

func (o PosOrder) IsVoided() bool {
	return o.State == OrderStateVoided
}

func (p PosPayment) IsSettled() bool {
	return p.Status != PaymentStatusDenied && p.Status != PaymentStatusVoided
}

func (p PosPayment) HasRefund() bool {
	return p.RefundAmount.GreaterThan(decimal.Zero) &&
		(p.RefundStatus == RefundStatusRefunded || p.RefundStatus == RefundStatusPartiallyRefunded)
}

var ErrInvalidSnapshot = errors.New("invalid pos snapshot")

// Validate checks that every record of the snapshot belongs to the same
// business/provider/order and carries its provider id.
func (s PosSnapshot) Validate() error {
	o := s.Order
	if strings.TrimSpace(o.BusinessId) == "" || strings.TrimSpace(o.Provider) == "" || strings.TrimSpace(o.ExternalId) == "" {
		return ErrInvalidSnapshot
	}
	for _, it := range s.Items {
		if it.BusinessId != o.BusinessId || it.Provider != o.Provider || it.OrderExternalId != o.ExternalId || it.ExternalId == "" {
			return ErrInvalidSnapshot
		}
	}
	for _, p := range s.Payments {
		if p.BusinessId != o.BusinessId || p.Provider != o.Provider || p.OrderExternalId != o.ExternalId || p.ExternalId == "" {
			return ErrInvalidSnapshot
		}
	}
	return nil
}

// StoreSnapshot writes one snapshot into the extract store, mutating the
// existing records of the same provider ids in place.
func StoreSnapshot(ctx context.Context, tx *gorm.DB, snap PosSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	db := tx.WithContext(ctx)

	// Callers may hand back records loaded earlier; conflicts resolve on
	// provider ids, never on our primary keys.
	order := snap.Order
	order.ID = 0
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "business_id"}, {Name: "provider"}, {Name: "external_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"state", "business_date", "opened_at", "closed_at", "gross_amount", "tax_amount", "tip_amount",
			"discount_amount", "service_charge_amount", "currency", "payload_json", "updated_at",
		}),
	}).Create(&order).Error; err != nil {
		return err
	}

	if len(snap.Items) > 0 {
		items := make([]PosLineItem, len(snap.Items))
		copy(items, snap.Items)
		for i := range items {
			items[i].ID = 0
		}
		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "business_id"}, {Name: "provider"}, {Name: "order_external_id"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "quantity", "line_total", "discount_amount", "voided", "category_label", "updated_at",
			}),
		}).Create(&items).Error; err != nil {
			return err
		}
	}

	if len(snap.Payments) > 0 {
		payments := make([]PosPayment, len(snap.Payments))
		copy(payments, snap.Payments)
		for i := range payments {
			payments[i].ID = 0
		}
		if err := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "business_id"}, {Name: "provider"}, {Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"order_external_id", "amount", "tip_amount", "status", "refund_status", "refund_amount", "updated_at",
			}),
		}).Create(&payments).Error; err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshots reads orders (optionally filtered) with their items and
// payments. Filters apply to the order query only.
func LoadSnapshots(ctx context.Context, tx *gorm.DB, businessId string, scope func(*gorm.DB) *gorm.DB) ([]PosSnapshot, error) {
	db := tx.WithContext(ctx)

	q := db.Where("business_id = ?", businessId)
	if scope != nil {
		q = scope(q)
	}
	var orders []PosOrder
	if err := q.Order("provider, external_id").Find(&orders).Error; err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	type orderKey struct{ provider, id string }
	index := make(map[orderKey]int, len(orders))
	snaps := make([]PosSnapshot, len(orders))
	byProvider := map[string][]string{}
	for i, o := range orders {
		snaps[i].Order = o
		index[orderKey{o.Provider, o.ExternalId}] = i
		byProvider[o.Provider] = append(byProvider[o.Provider], o.ExternalId)
	}

	for provider, ids := range byProvider {
		for _, chunk := range chunkStrings(ids, 500) {
			var items []PosLineItem
			if err := db.Where("business_id = ? AND provider = ? AND order_external_id IN ?", businessId, provider, chunk).
				Order("order_external_id, external_id").
				Find(&items).Error; err != nil {
				return nil, err
			}
			for _, it := range items {
				i := index[orderKey{provider, it.OrderExternalId}]
				snaps[i].Items = append(snaps[i].Items, it)
			}

			var payments []PosPayment
			if err := db.Where("business_id = ? AND provider = ? AND order_external_id IN ?", businessId, provider, chunk).
				Order("order_external_id, external_id").
				Find(&payments).Error; err != nil {
				return nil, err
			}
			for _, p := range payments {
				i := index[orderKey{provider, p.OrderExternalId}]
				snaps[i].Payments = append(snaps[i].Payments, p)
			}
		}
	}
	return snaps, nil
}

func chunkStrings(in []string, size int) [][]string {
	if size <= 0 {
		size = len(in)
	}
	var out [][]string
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}
