package possync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
)

type pitixSale struct {
	ID             string             `json:"id"`
	SaleNumber     string             `json:"sale_number"`
	SaleDate       string             `json:"sale_date"`
	SaleStatus     string             `json:"sale_status"`
	Currency       string             `json:"currency"`
	TaxAmount      json.Number        `json:"tax_amount"`
	DiscountAmount json.Number        `json:"discount_amount"`
	ServiceCharge  json.Number        `json:"service_charge_amount"`
	Items          []pitixSaleItem    `json:"items"`
	Payments       []pitixSalePayment `json:"payments"`
	CreatedAt      string             `json:"created_at"`
	CompletedAt    string             `json:"completed_at"`
	UpdatedAt      string             `json:"updated_at"`
}

type pitixSaleItem struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	CategoryName   string      `json:"category_name"`
	Quantity       json.Number `json:"quantity"`
	UnitPrice      json.Number `json:"unit_price"`
	NetAmount      json.Number `json:"net_amount"`
	DiscountAmount json.Number `json:"discount_amount"`
	IsVoid         bool        `json:"is_void"`
}

type pitixSalePayment struct {
	ID           string      `json:"id"`
	Status       string      `json:"status"`
	Amount       json.Number `json:"amount"`
	TipAmount    json.Number `json:"tip_amount"`
	RefundStatus string      `json:"refund_status"`
	RefundAmount json.Number `json:"refund_amount"`
}

type pitixAdapter struct{}

func (pitixAdapter) Provider() string { return models.ProviderPitiX }
func (pitixAdapter) DefaultBaseURL() string { return "https://api.pitix.com" }
func (pitixAdapter) AuthHeader() (string, string) { return "X-API-Key", "" }
func (pitixAdapter) OrdersPath() string { return "/v1/sales" }

func (pitixAdapter) Decode(businessId string, raw json.RawMessage) (Decoded, error) {
	var sale pitixSale
	if err := json.Unmarshal(raw, &sale); err != nil {
		return Decoded{}, err
	}
	extId := strings.TrimSpace(sale.ID)
	if extId == "" {
		return Decoded{}, errMissingId
	}

	order := models.PosOrder{
		BusinessId:          businessId,
		Provider:            models.ProviderPitiX,
		ExternalId:          extId,
		State:               mapPitixSaleStatus(sale.SaleStatus),
		BusinessDate:        parseDay(sale.SaleDate),
		OpenedAt:            parseTime(sale.CreatedAt),
		ClosedAt:            parseTime(sale.CompletedAt),
		TaxAmount:           decimalFromNumber(sale.TaxAmount),
		DiscountAmount:      decimalFromNumber(sale.DiscountAmount),
		ServiceChargeAmount: decimalFromNumber(sale.ServiceCharge),
		Currency:            strings.ToUpper(strings.TrimSpace(sale.Currency)),
		PayloadJSON:         raw,
	}

	snap := models.PosSnapshot{Order: order}
	for i, it := range sale.Items {
		itemId := strings.TrimSpace(it.ID)
		if itemId == "" {
			// Lines without ids are addressed by position so they stay stable.
			itemId = fmt.Sprintf("%s-line-%d", extId, i+1)
		}
		qty := decimalFromNumber(it.Quantity)
		discount := decimalFromNumber(it.DiscountAmount)
		snap.Items = append(snap.Items, models.PosLineItem{
			BusinessId:      businessId,
			Provider:        models.ProviderPitiX,
			OrderExternalId: extId,
			ExternalId:      itemId,
			Name:            strings.TrimSpace(it.Name),
			Quantity:        qty,
			LineTotal:       pitixLineGross(qty, it, discount),
			DiscountAmount:  discount,
			Voided:          it.IsVoid,
			CategoryLabel:   strings.TrimSpace(it.CategoryName),
		})
	}

	var tips []decimal.Decimal
	for _, p := range sale.Payments {
		payId := strings.TrimSpace(p.ID)
		if payId == "" {
			return Decoded{}, errMissingId
		}
		tip := decimalFromNumber(p.TipAmount)
		tips = append(tips, tip)
		snap.Payments = append(snap.Payments, models.PosPayment{
			BusinessId:      businessId,
			Provider:        models.ProviderPitiX,
			OrderExternalId: extId,
			ExternalId:      payId,
			Amount:          decimalFromNumber(p.Amount),
			TipAmount:       tip,
			Status:          mapPitixPaymentStatus(p.Status),
			RefundStatus:    mapPitixRefundStatus(p.RefundStatus),
			RefundAmount:    decimalFromNumber(p.RefundAmount),
		})
	}
	snap.Order.GrossAmount = grossOf(snap.Items)
	snap.Order.TipAmount = sumDecimals(tips...)

	return Decoded{Snapshot: snap, Version: strings.TrimSpace(sale.UpdatedAt)}, nil
}

// pitixLineGross prefers quantity x unit price; net amounts are already
// discounted, so the discount is added back when only the net is known.
func pitixLineGross(qty decimal.Decimal, it pitixSaleItem, discount decimal.Decimal) decimal.Decimal {
	unit := decimalFromNumber(it.UnitPrice)
	if !unit.IsZero() {
		return qty.Mul(unit)
	}
	return decimalFromNumber(it.NetAmount).Add(discount)
}

func mapPitixSaleStatus(status string) models.OrderState {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return models.OrderStateCompleted
	case "CANCELED", "CANCELLED", "VOID", "VOIDED":
		return models.OrderStateVoided
	default:
		return models.OrderStateOpen
	}
}

func mapPitixPaymentStatus(status string) models.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DECLINED", "DENIED", "FAILED":
		return models.PaymentStatusDenied
	case "VOID", "VOIDED", "CANCELED", "CANCELLED":
		return models.PaymentStatusVoided
	default:
		return models.PaymentStatusCaptured
	}
}

func mapPitixRefundStatus(status string) models.RefundStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "REFUNDED", "FULL":
		return models.RefundStatusRefunded
	case "PARTIALLY_REFUNDED", "PARTIAL":
		return models.RefundStatusPartiallyRefunded
	case "PENDING":
		return models.RefundStatusPending
	case "FAILED":
		return models.RefundStatusFailed
	default:
		return models.RefundStatusNone
	}
}
