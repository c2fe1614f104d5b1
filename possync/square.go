package possync

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/shopspring/decimal"
)

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squareOrder struct {
	ID                      string           `json:"id"`
	State                   string           `json:"state"`
	Version                 int64            `json:"version"`
	CreatedAt               string           `json:"created_at"`
	ClosedAt                string           `json:"closed_at"`
	UpdatedAt               string           `json:"updated_at"`
	LineItems               []squareLineItem `json:"line_items"`
	Tenders                 []squareTender   `json:"tenders"`
	Refunds                 []squareRefund   `json:"refunds"`
	TotalMoney              squareMoney      `json:"total_money"`
	TotalTaxMoney           squareMoney      `json:"total_tax_money"`
	TotalDiscountMoney      squareMoney      `json:"total_discount_money"`
	TotalServiceChargeMoney squareMoney      `json:"total_service_charge_money"`
}

type squareLineItem struct {
	UID                string            `json:"uid"`
	Name               string            `json:"name"`
	VariationName      string            `json:"variation_name"`
	Quantity           string            `json:"quantity"`
	GrossSalesMoney    squareMoney       `json:"gross_sales_money"`
	TotalDiscountMoney squareMoney       `json:"total_discount_money"`
	Metadata           map[string]string `json:"metadata"`
}

type squareTender struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	AmountMoney squareMoney `json:"amount_money"`
	TipMoney    squareMoney `json:"tip_money"`
	CardDetails *struct {
		Status string `json:"status"`
	} `json:"card_details"`
}

type squareRefund struct {
	ID          string      `json:"id"`
	TenderId    string      `json:"tender_id"`
	Status      string      `json:"status"`
	AmountMoney squareMoney `json:"amount_money"`
}

type squareAdapter struct{}

func (squareAdapter) Provider() string { return models.ProviderSquare }
func (squareAdapter) DefaultBaseURL() string { return "https://connect.squareup.com" }
func (squareAdapter) AuthHeader() (string, string) { return "Authorization", "Bearer " }
func (squareAdapter) OrdersPath() string { return "/v2/orders" }

// Decode maps a Square order. Square reports no business date, so the sale
// date always comes from the close timestamp. Amounts are minor units.
func (squareAdapter) Decode(businessId string, raw json.RawMessage) (Decoded, error) {
	var o squareOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return Decoded{}, err
	}
	extId := strings.TrimSpace(o.ID)
	if extId == "" {
		return Decoded{}, errMissingId
	}

	currency := strings.ToUpper(o.TotalMoney.Currency)
	money := func(m squareMoney) decimal.Decimal {
		return utils.DecimalFromMinor(m.Amount, minorExponent(currency))
	}

	snap := models.PosSnapshot{Order: models.PosOrder{
		BusinessId:          businessId,
		Provider:            models.ProviderSquare,
		ExternalId:          extId,
		State:               mapSquareOrderState(o.State),
		OpenedAt:            parseTime(o.CreatedAt),
		ClosedAt:            parseTime(o.ClosedAt),
		TaxAmount:           money(o.TotalTaxMoney),
		DiscountAmount:      money(o.TotalDiscountMoney),
		ServiceChargeAmount: money(o.TotalServiceChargeMoney),
		Currency:            currency,
		PayloadJSON:         raw,
	}}

	for _, li := range o.LineItems {
		if strings.TrimSpace(li.UID) == "" {
			return Decoded{}, errMissingId
		}
		qty, err := utils.ParseDecimal(li.Quantity)
		if err != nil {
			qty = decimal.NewFromInt(1)
		}
		name := strings.TrimSpace(li.Name)
		if v := strings.TrimSpace(li.VariationName); v != "" && !strings.EqualFold(v, "regular") {
			name = strings.TrimSpace(name + " " + v)
		}
		snap.Items = append(snap.Items, models.PosLineItem{
			BusinessId:      businessId,
			Provider:        models.ProviderSquare,
			OrderExternalId: extId,
			ExternalId:      li.UID,
			Name:            name,
			Quantity:        qty,
			LineTotal:       money(li.GrossSalesMoney),
			DiscountAmount:  money(li.TotalDiscountMoney),
			CategoryLabel:   strings.TrimSpace(li.Metadata["category"]),
		})
	}

	refunds := map[string][]squareRefund{}
	for _, r := range o.Refunds {
		refunds[r.TenderId] = append(refunds[r.TenderId], r)
	}

	tips := decimal.Zero
	for _, t := range o.Tenders {
		if strings.TrimSpace(t.ID) == "" {
			return Decoded{}, errMissingId
		}
		status := models.PaymentStatusCaptured
		if t.CardDetails != nil {
			status = mapSquareCardStatus(t.CardDetails.Status)
		}
		amount := money(t.AmountMoney)
		refundStatus, refunded := squareRefundOf(refunds[t.ID], amount, money)
		tip := money(t.TipMoney)
		tips = tips.Add(tip)
		snap.Payments = append(snap.Payments, models.PosPayment{
			BusinessId:      businessId,
			Provider:        models.ProviderSquare,
			OrderExternalId: extId,
			ExternalId:      t.ID,
			Amount:          amount,
			TipAmount:       tip,
			Status:          status,
			RefundStatus:    refundStatus,
			RefundAmount:    refunded,
		})
	}
	snap.Order.GrossAmount = grossOf(snap.Items)
	snap.Order.TipAmount = tips

	version := strings.TrimSpace(o.UpdatedAt)
	if o.Version > 0 {
		version = strconv.FormatInt(o.Version, 10)
	}
	return Decoded{Snapshot: snap, Version: version}, nil
}

// squareRefundOf folds the refunds issued against one tender. Completed
// refunds win over pending ones; a tender with only failed refunds reports
// failed.
func squareRefundOf(refunds []squareRefund, tendered decimal.Decimal, money func(squareMoney) decimal.Decimal) (models.RefundStatus, decimal.Decimal) {
	if len(refunds) == 0 {
		return models.RefundStatusNone, decimal.Zero
	}
	done, pending := decimal.Zero, decimal.Zero
	for _, r := range refunds {
		switch strings.ToUpper(strings.TrimSpace(r.Status)) {
		case "APPROVED", "COMPLETED":
			done = done.Add(money(r.AmountMoney))
		case "PENDING":
			pending = pending.Add(money(r.AmountMoney))
		}
	}
	switch {
	case done.GreaterThan(decimal.Zero) && done.LessThan(tendered):
		return models.RefundStatusPartiallyRefunded, done
	case done.GreaterThan(decimal.Zero):
		return models.RefundStatusRefunded, done
	case pending.GreaterThan(decimal.Zero):
		return models.RefundStatusPending, pending
	default:
		return models.RefundStatusFailed, decimal.Zero
	}
}

func mapSquareOrderState(state string) models.OrderState {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED":
		return models.OrderStateCompleted
	case "CANCELED":
		return models.OrderStateVoided
	default:
		return models.OrderStateOpen
	}
}

func mapSquareCardStatus(status string) models.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "FAILED":
		return models.PaymentStatusDenied
	case "VOIDED":
		return models.PaymentStatusVoided
	default:
		return models.PaymentStatusCaptured
	}
}

// minorExponent is the number of decimal places of a currency's minor unit.
func minorExponent(currency string) int32 {
	switch currency {
	case "JPY", "KRW", "VND", "CLP", "ISK":
		return 0
	default:
		return 2
	}
}
