package salesledger

import (
	"time"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
)

// Transform turns one provider snapshot into the canonical rows it should
// currently be represented by. It is pure: the same snapshot always yields
// the same rows, in the same order.
//
// Open orders yield nothing. Every other rule mirrors a retraction rule in
// retraction.go; the two must agree on eligibility.
func Transform(snap models.PosSnapshot, loc *time.Location) ([]models.SaleRow, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	order := snap.Order
	if !order.IsClosed() {
		return nil, nil
	}
	moment, err := DeriveSaleDate(order, loc)
	if err != nil {
		return nil, err
	}

	b := rowBuilder{order: order, moment: moment, seen: map[string]bool{}}

	for _, it := range snap.Items {
		b.add(it.ExternalId, it.ExternalId, models.ItemTypeSale, nil, it.Name, it.CategoryLabel,
			it.Quantity, it.LineTotal)

		if it.DiscountAmount.GreaterThan(decimal.Zero) && !it.Voided && !order.IsVoided() {
			b.add(it.ExternalId+models.SuffixDiscount, it.ExternalId, models.ItemTypeDiscount,
				models.AdjustmentPtr(models.AdjustmentDiscount), it.Name, it.CategoryLabel,
				decimal.NewFromInt(1), it.DiscountAmount.Neg())
		}

		if it.Voided || order.IsVoided() {
			b.add(it.ExternalId+models.SuffixVoid, it.ExternalId, models.ItemTypeVoid, nil, it.Name, it.CategoryLabel,
				it.Quantity.Neg(), it.LineTotal.Neg())
		}
	}

	if order.State == models.OrderStateCompleted {
		if !order.TaxAmount.IsZero() {
			b.add(order.ExternalId+models.SuffixTax, order.ExternalId, models.ItemTypeTax,
				models.AdjustmentPtr(models.AdjustmentTax), "Tax", "",
				decimal.NewFromInt(1), order.TaxAmount)
		}
		if !order.ServiceChargeAmount.IsZero() {
			b.add(order.ExternalId+models.SuffixServiceCharge, order.ExternalId, models.ItemTypeServiceCharge,
				models.AdjustmentPtr(models.AdjustmentServiceCharge), "Service charge", "",
				decimal.NewFromInt(1), order.ServiceChargeAmount)
		}
	}

	for _, p := range snap.Payments {
		if !p.TipAmount.IsZero() && p.IsSettled() {
			b.add(p.ExternalId+models.SuffixTip, p.ExternalId, models.ItemTypeTip,
				models.AdjustmentPtr(models.AdjustmentTip), "Tip", "",
				decimal.NewFromInt(1), p.TipAmount)
		}
		if p.HasRefund() {
			b.add(p.ExternalId+models.SuffixRefund, p.ExternalId, models.ItemTypeRefund,
				models.AdjustmentPtr(models.AdjustmentRefund), "Refund", "",
				decimal.NewFromInt(1), p.RefundAmount.Neg())
		}
	}
	return b.rows, nil
}

type rowBuilder struct {
	order  models.PosOrder
	moment SaleMoment
	rows   []models.SaleRow
	seen   map[string]bool
}

func (b *rowBuilder) add(itemId, sourceId string, itemType models.ItemType, adj *models.AdjustmentType,
	name, label string, qty, total decimal.Decimal) {
	key := models.CanonicalKeyOf(b.order.BusinessId, b.order.Provider, b.order.ExternalId, itemId)
	if b.seen[key] {
		return
	}
	b.seen[key] = true

	b.rows = append(b.rows, models.SaleRow{
		BusinessId:          b.order.BusinessId,
		Provider:            b.order.Provider,
		ExternalOrderId:     b.order.ExternalId,
		ExternalItemId:      itemId,
		SourceExternalId:    sourceId,
		CanonicalKey:        &key,
		Name:                name,
		Quantity:            qty,
		UnitPrice:           unitPrice(qty, total),
		TotalPrice:          total,
		SaleDate:            b.moment.Date,
		SaleTime:            b.moment.Time,
		ItemType:            itemType,
		AdjustmentType:      adj,
		CategoryLabel:       label,
		ClassificationState: models.ClassificationUnclassified,
	})
}

func unitPrice(qty, total decimal.Decimal) decimal.Decimal {
	if qty.IsZero() {
		return total
	}
	return total.DivRound(qty, 4)
}
