package possync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
)

type toastOrder struct {
	GUID         string       `json:"guid"`
	BusinessDate int          `json:"businessDate"`
	OpenedDate   string       `json:"openedDate"`
	ClosedDate   string       `json:"closedDate"`
	ModifiedDate string       `json:"modifiedDate"`
	Voided       bool         `json:"voided"`
	Deleted      bool         `json:"deleted"`
	Checks       []toastCheck `json:"checks"`
}

type toastCheck struct {
	GUID                  string               `json:"guid"`
	TaxAmount             json.Number          `json:"taxAmount"`
	Voided                bool                 `json:"voided"`
	Selections            []toastSelection     `json:"selections"`
	Payments              []toastPayment       `json:"payments"`
	AppliedServiceCharges []toastServiceCharge `json:"appliedServiceCharges"`
}

type toastSelection struct {
	GUID             string          `json:"guid"`
	DisplayName      string          `json:"displayName"`
	Quantity         json.Number     `json:"quantity"`
	Price            json.Number     `json:"price"`
	PreDiscountPrice json.Number     `json:"preDiscountPrice"`
	Voided           bool            `json:"voided"`
	AppliedDiscounts []toastDiscount `json:"appliedDiscounts"`
	SalesCategory    *struct {
		Name string `json:"name"`
	} `json:"salesCategory"`
}

type toastDiscount struct {
	DiscountAmount json.Number `json:"discountAmount"`
}

type toastServiceCharge struct {
	ChargeAmount json.Number `json:"chargeAmount"`
}

type toastPayment struct {
	GUID          string      `json:"guid"`
	Amount        json.Number `json:"amount"`
	TipAmount     json.Number `json:"tipAmount"`
	PaymentStatus string      `json:"paymentStatus"`
	RefundStatus  string      `json:"refundStatus"`
	Refund        *struct {
		RefundAmount    json.Number `json:"refundAmount"`
		TipRefundAmount json.Number `json:"tipRefundAmount"`
	} `json:"refund"`
}

type toastAdapter struct{}

func (toastAdapter) Provider() string { return models.ProviderToast }
func (toastAdapter) DefaultBaseURL() string { return "https://ws-api.toasttab.com" }
func (toastAdapter) AuthHeader() (string, string) { return "Authorization", "Bearer " }
func (toastAdapter) OrdersPath() string { return "/orders/v2/ordersBulk" }

// Decode flattens the order's checks: selections become line items and
// check payments become order payments. Voided checks void their lines.
func (toastAdapter) Decode(businessId string, raw json.RawMessage) (Decoded, error) {
	var o toastOrder
	if err := json.Unmarshal(raw, &o); err != nil {
		return Decoded{}, err
	}
	extId := strings.TrimSpace(o.GUID)
	if extId == "" {
		return Decoded{}, errMissingId
	}

	state := models.OrderStateOpen
	switch {
	case o.Voided || o.Deleted:
		state = models.OrderStateVoided
	case strings.TrimSpace(o.ClosedDate) != "":
		state = models.OrderStateCompleted
	}

	snap := models.PosSnapshot{Order: models.PosOrder{
		BusinessId:   businessId,
		Provider:     models.ProviderToast,
		ExternalId:   extId,
		State:        state,
		BusinessDate: toastBusinessDate(o.BusinessDate),
		OpenedAt:     parseTime(o.OpenedDate),
		ClosedAt:     parseTime(o.ClosedDate),
		PayloadJSON:  raw,
	}}

	var taxes, charges, discounts, tips []decimal.Decimal
	for _, check := range o.Checks {
		if !check.Voided {
			taxes = append(taxes, decimalFromNumber(check.TaxAmount))
			for _, sc := range check.AppliedServiceCharges {
				charges = append(charges, decimalFromNumber(sc.ChargeAmount))
			}
		}
		for _, sel := range check.Selections {
			if strings.TrimSpace(sel.GUID) == "" {
				return Decoded{}, errMissingId
			}
			discount := decimal.Zero
			for _, d := range sel.AppliedDiscounts {
				discount = discount.Add(decimalFromNumber(d.DiscountAmount))
			}
			gross := decimalFromNumber(sel.PreDiscountPrice)
			if gross.IsZero() {
				gross = decimalFromNumber(sel.Price).Add(discount)
			}
			label := ""
			if sel.SalesCategory != nil {
				label = strings.TrimSpace(sel.SalesCategory.Name)
			}
			discounts = append(discounts, discount)
			snap.Items = append(snap.Items, models.PosLineItem{
				BusinessId:      businessId,
				Provider:        models.ProviderToast,
				OrderExternalId: extId,
				ExternalId:      sel.GUID,
				Name:            strings.TrimSpace(sel.DisplayName),
				Quantity:        decimalFromNumber(sel.Quantity),
				LineTotal:       gross,
				DiscountAmount:  discount,
				Voided:          sel.Voided || check.Voided,
				CategoryLabel:   label,
			})
		}
		for _, p := range check.Payments {
			if strings.TrimSpace(p.GUID) == "" {
				return Decoded{}, errMissingId
			}
			tip := decimalFromNumber(p.TipAmount)
			tips = append(tips, tip)
			refund := decimal.Zero
			if p.Refund != nil {
				refund = decimalFromNumber(p.Refund.RefundAmount).Add(decimalFromNumber(p.Refund.TipRefundAmount))
			}
			snap.Payments = append(snap.Payments, models.PosPayment{
				BusinessId:      businessId,
				Provider:        models.ProviderToast,
				OrderExternalId: extId,
				ExternalId:      p.GUID,
				Amount:          decimalFromNumber(p.Amount),
				TipAmount:       tip,
				Status:          mapToastPaymentStatus(p.PaymentStatus),
				RefundStatus:    mapToastRefundStatus(p.RefundStatus),
				RefundAmount:    refund,
			})
		}
	}

	snap.Order.GrossAmount = grossOf(snap.Items)
	snap.Order.TaxAmount = sumDecimals(taxes...)
	snap.Order.ServiceChargeAmount = sumDecimals(charges...)
	snap.Order.DiscountAmount = sumDecimals(discounts...)
	snap.Order.TipAmount = sumDecimals(tips...)

	return Decoded{Snapshot: snap, Version: strings.TrimSpace(o.ModifiedDate)}, nil
}

// toastBusinessDate converts Toast's yyyymmdd integer.
func toastBusinessDate(v int) *string {
	if v <= 0 {
		return nil
	}
	return parseDay(fmt.Sprintf("%04d-%02d-%02d", v/10000, v/100%100, v%100))
}

func mapToastPaymentStatus(status string) models.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DENIED", "CAPTURE_FAILED":
		return models.PaymentStatusDenied
	case "VOIDED", "CANCELLED":
		return models.PaymentStatusVoided
	default:
		return models.PaymentStatusCaptured
	}
}

func mapToastRefundStatus(status string) models.RefundStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "FULL":
		return models.RefundStatusRefunded
	case "PARTIAL":
		return models.RefundStatusPartiallyRefunded
	default:
		return models.RefundStatusNone
	}
}
