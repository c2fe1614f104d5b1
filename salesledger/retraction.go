package salesledger

import (
	"context"

	"github.com/mmdatafocus/pos_ledger/models"
	"gorm.io/gorm"
)

// A retraction rule finds canonical rows of one category whose source no
// longer qualifies for that category, either because the source record is
// gone or because its eligibility flipped. Each rule correlates against the
// extract tables on provider ids; sr is the sale_rows alias.
type retractionRule struct {
	itemType models.ItemType
	eligible string
	args     func() []interface{}
}

const lineItemSource = `SELECT 1 FROM pos_line_items li
	JOIN pos_orders o ON o.business_id = li.business_id AND o.provider = li.provider AND o.external_id = li.order_external_id
	WHERE li.business_id = sr.business_id AND li.provider = sr.provider
	AND li.order_external_id = sr.external_order_id AND li.external_id = sr.source_external_id`

const orderSource = `SELECT 1 FROM pos_orders o
	WHERE o.business_id = sr.business_id AND o.provider = sr.provider
	AND o.external_id = sr.external_order_id AND o.external_id = sr.source_external_id`

const paymentSource = `SELECT 1 FROM pos_payments p
	JOIN pos_orders o ON o.business_id = p.business_id AND o.provider = p.provider AND o.external_id = p.order_external_id
	WHERE p.business_id = sr.business_id AND p.provider = sr.provider
	AND p.order_external_id = sr.external_order_id AND p.external_id = sr.source_external_id`

var closedStates = []models.OrderState{models.OrderStateCompleted, models.OrderStateVoided}

var retractionRules = []retractionRule{
	{
		itemType: models.ItemTypeSale,
		eligible: lineItemSource + ` AND o.state IN ?`,
		args:     func() []interface{} { return []interface{}{closedStates} },
	},
	{
		itemType: models.ItemTypeDiscount,
		eligible: lineItemSource + ` AND o.state = ? AND li.voided = ? AND li.discount_amount > 0`,
		args:     func() []interface{} { return []interface{}{models.OrderStateCompleted, false} },
	},
	{
		itemType: models.ItemTypeVoid,
		eligible: lineItemSource + ` AND o.state IN ? AND (li.voided = ? OR o.state = ?)`,
		args:     func() []interface{} { return []interface{}{closedStates, true, models.OrderStateVoided} },
	},
	{
		itemType: models.ItemTypeTax,
		eligible: orderSource + ` AND o.state = ? AND o.tax_amount <> 0`,
		args:     func() []interface{} { return []interface{}{models.OrderStateCompleted} },
	},
	{
		itemType: models.ItemTypeServiceCharge,
		eligible: orderSource + ` AND o.state = ? AND o.service_charge_amount <> 0`,
		args:     func() []interface{} { return []interface{}{models.OrderStateCompleted} },
	},
	{
		itemType: models.ItemTypeTip,
		eligible: paymentSource + ` AND o.state IN ? AND p.tip_amount <> 0 AND p.status NOT IN ?`,
		args: func() []interface{} {
			return []interface{}{closedStates, []models.PaymentStatus{models.PaymentStatusDenied, models.PaymentStatusVoided}}
		},
	},
	{
		itemType: models.ItemTypeRefund,
		eligible: paymentSource + ` AND o.state IN ? AND p.refund_amount > 0 AND p.refund_status IN ?`,
		args: func() []interface{} {
			return []interface{}{closedStates, []models.RefundStatus{models.RefundStatusRefunded, models.RefundStatusPartiallyRefunded}}
		},
	},
}

// orderScope narrows a pass to specific orders, keyed by provider. A nil
// scope means the whole business.
type orderScope map[string][]string

func (s orderScope) add(provider, orderId string) {
	s[provider] = append(s[provider], orderId)
}

const scopeChunkSize = 500

type retractionResult struct {
	Retracted int
	Touched   daySet
}

// retractIneligible deletes canonical rows (and their split children) whose
// source is no longer eligible. Deletes go through gorm so the row hooks fire.
func retractIneligible(ctx context.Context, tx *gorm.DB, businessId string, scope orderScope) (retractionResult, error) {
	res := retractionResult{Touched: daySet{}}

	var stale []uint
	for _, rule := range retractionRules {
		ids, err := rule.find(ctx, tx, businessId, scope)
		if err != nil {
			return res, err
		}
		stale = append(stale, ids...)
	}
	if len(stale) == 0 {
		return res, nil
	}

	for _, chunk := range chunkIds(stale, scopeChunkSize) {
		var children []models.SaleRow
		if err := tx.WithContext(ctx).Where("business_id = ? AND parent_id IN ?", businessId, chunk).
			Find(&children).Error; err != nil {
			return res, err
		}
		var parents []models.SaleRow
		if err := tx.WithContext(ctx).Where("business_id = ? AND id IN ?", businessId, chunk).
			Find(&parents).Error; err != nil {
			return res, err
		}
		for _, r := range append(children, parents...) {
			res.Touched.addRow(r)
		}
		if len(children) > 0 {
			if err := tx.WithContext(ctx).Delete(&children).Error; err != nil {
				return res, err
			}
		}
		if len(parents) > 0 {
			if err := tx.WithContext(ctx).Delete(&parents).Error; err != nil {
				return res, err
			}
		}
		res.Retracted += len(parents)
	}
	return res, nil
}

func (r retractionRule) find(ctx context.Context, tx *gorm.DB, businessId string, scope orderScope) ([]uint, error) {
	base := func() *gorm.DB {
		return tx.WithContext(ctx).
			Table("sale_rows AS sr").
			Where("sr.business_id = ? AND sr.parent_id IS NULL AND sr.item_type = ?", businessId, r.itemType).
			Where("NOT EXISTS ("+r.eligible+")", r.args()...)
	}

	var out []uint
	if scope == nil {
		if err := base().Pluck("sr.id", &out).Error; err != nil {
			return nil, err
		}
		return out, nil
	}
	for provider, orderIds := range scope {
		for _, chunk := range chunkStrings(orderIds, scopeChunkSize) {
			var ids []uint
			if err := base().
				Where("sr.provider = ? AND sr.external_order_id IN ?", provider, chunk).
				Pluck("sr.id", &ids).Error; err != nil {
				return nil, err
			}
			out = append(out, ids...)
		}
	}
	return out, nil
}

func chunkIds(in []uint, size int) [][]uint {
	var out [][]uint
	for len(in) > size {
		out = append(out, in[:size])
		in = in[size:]
	}
	if len(in) > 0 {
		out = append(out, in)
	}
	return out
}

func chunkStrings(in []string, size int) [][]string {
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
