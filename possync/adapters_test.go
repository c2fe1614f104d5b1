package possync

import (
	"encoding/json"
	"testing"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBiz = "3f9a3c1e-1111-4c3b-9a51-0c7e2b6d8a10"

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got),
		append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

func TestAdapterFor(t *testing.T) {
	a, err := AdapterFor(" PitiX ")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderPitiX, a.Provider())

	_, err = AdapterFor("clover")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestPitixDecode(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "S-100",
		"sale_number": "0001",
		"sale_date": "2024-03-15",
		"sale_status": "completed",
		"currency": "mmk",
		"tax_amount": "250",
		"discount_amount": 100,
		"service_charge_amount": "0",
		"created_at": "2024-03-15T10:00:00+06:30",
		"completed_at": "2024-03-15T10:20:00+06:30",
		"updated_at": "2024-03-15T10:21:00+06:30",
		"items": [
			{"id": "L1", "name": "Mohinga", "category_name": "Food", "quantity": 2, "unit_price": "1500"},
			{"name": "Tea", "quantity": 1, "net_amount": "900", "discount_amount": "100"},
			{"id": "L3", "name": "Cake", "quantity": 1, "unit_price": "2000", "is_void": true}
		],
		"payments": [
			{"id": "P1", "status": "SUCCESS", "amount": "4250", "tip_amount": "200", "refund_status": "PARTIALLY_REFUNDED", "refund_amount": "500"}
		]
	}`)

	d, err := pitixAdapter{}.Decode(testBiz, raw)
	require.NoError(t, err)

	o := d.Snapshot.Order
	assert.Equal(t, "S-100", o.ExternalId)
	assert.Equal(t, models.OrderStateCompleted, o.State)
	require.NotNil(t, o.BusinessDate)
	assert.Equal(t, "2024-03-15", *o.BusinessDate)
	require.NotNil(t, o.ClosedAt)
	assert.Equal(t, "2024-03-15T03:50:00Z", o.ClosedAt.Format("2006-01-02T15:04:05Z07:00"))
	assert.Equal(t, "MMK", o.Currency)
	assertDec(t, "250", o.TaxAmount)
	assertDec(t, "4000", o.GrossAmount, "voided lines are excluded from gross")
	assertDec(t, "200", o.TipAmount)
	assert.Equal(t, "2024-03-15T10:21:00+06:30", d.Version)

	require.Len(t, d.Snapshot.Items, 3)
	assertDec(t, "3000", d.Snapshot.Items[0].LineTotal)
	assert.Equal(t, "Food", d.Snapshot.Items[0].CategoryLabel)
	assert.Equal(t, "S-100-line-2", d.Snapshot.Items[1].ExternalId)
	assertDec(t, "1000", d.Snapshot.Items[1].LineTotal)
	assert.True(t, d.Snapshot.Items[2].Voided)

	require.Len(t, d.Snapshot.Payments, 1)
	p := d.Snapshot.Payments[0]
	assert.Equal(t, models.PaymentStatusCaptured, p.Status)
	assert.Equal(t, models.RefundStatusPartiallyRefunded, p.RefundStatus)
	assertDec(t, "500", p.RefundAmount)
	assert.NoError(t, d.Snapshot.Validate())
}

func TestPitixDecodeRejectsMissingIds(t *testing.T) {
	_, err := pitixAdapter{}.Decode(testBiz, json.RawMessage(`{"sale_status":"COMPLETED"}`))
	assert.ErrorIs(t, err, errMissingId)

	_, err = pitixAdapter{}.Decode(testBiz, json.RawMessage(`{"id":"S-1","payments":[{"amount":"10"}]}`))
	assert.ErrorIs(t, err, errMissingId)

	_, err = pitixAdapter{}.Decode(testBiz, json.RawMessage(`{"id":`))
	assert.Error(t, err)
}

func TestPitixStatusMapping(t *testing.T) {
	assert.Equal(t, models.OrderStateVoided, mapPitixSaleStatus("cancelled"))
	assert.Equal(t, models.OrderStateOpen, mapPitixSaleStatus("PENDING"))
	assert.Equal(t, models.PaymentStatusDenied, mapPitixPaymentStatus("declined"))
	assert.Equal(t, models.PaymentStatusVoided, mapPitixPaymentStatus("VOID"))
	assert.Equal(t, models.RefundStatusRefunded, mapPitixRefundStatus("full"))
	assert.Equal(t, models.RefundStatusNone, mapPitixRefundStatus(""))
}

func TestToastDecode(t *testing.T) {
	raw := json.RawMessage(`{
		"guid": "T-1",
		"businessDate": 20240315,
		"openedDate": "2024-03-15T18:00:00.000+0000",
		"closedDate": "2024-03-15T19:30:00.000+0000",
		"modifiedDate": "2024-03-15T19:31:00.000+0000",
		"checks": [
			{
				"guid": "C1",
				"taxAmount": 1.25,
				"selections": [
					{"guid": "SEL1", "displayName": "Burger", "quantity": 1, "price": 9.00,
					 "appliedDiscounts": [{"discountAmount": 1.00}], "salesCategory": {"name": "Food"}}
				],
				"payments": [
					{"guid": "PAY1", "amount": 10.25, "tipAmount": 2.00, "paymentStatus": "CAPTURED",
					 "refundStatus": "PARTIAL", "refund": {"refundAmount": 3.00, "tipRefundAmount": 0.50}}
				],
				"appliedServiceCharges": [{"chargeAmount": 0.75}]
			},
			{
				"guid": "C2",
				"voided": true,
				"taxAmount": 0.80,
				"selections": [{"guid": "SEL2", "displayName": "Fries", "quantity": 1, "preDiscountPrice": 4.00}],
				"appliedServiceCharges": [{"chargeAmount": 0.30}]
			}
		]
	}`)

	d, err := toastAdapter{}.Decode(testBiz, raw)
	require.NoError(t, err)

	o := d.Snapshot.Order
	assert.Equal(t, models.OrderStateCompleted, o.State)
	require.NotNil(t, o.BusinessDate)
	assert.Equal(t, "2024-03-15", *o.BusinessDate)
	assertDec(t, "1.25", o.TaxAmount, "voided checks carry no tax")
	assertDec(t, "0.75", o.ServiceChargeAmount)
	assertDec(t, "10", o.GrossAmount)
	assertDec(t, "2", o.TipAmount)

	require.Len(t, d.Snapshot.Items, 2)
	assertDec(t, "10", d.Snapshot.Items[0].LineTotal, "gross adds the discount back to the price")
	assert.Equal(t, "Food", d.Snapshot.Items[0].CategoryLabel)
	assert.True(t, d.Snapshot.Items[1].Voided)

	require.Len(t, d.Snapshot.Payments, 1)
	assert.Equal(t, models.RefundStatusPartiallyRefunded, d.Snapshot.Payments[0].RefundStatus)
	assertDec(t, "3.5", d.Snapshot.Payments[0].RefundAmount)
}

func TestToastOrderState(t *testing.T) {
	d, err := toastAdapter{}.Decode(testBiz, json.RawMessage(`{"guid":"T-2","deleted":true,"closedDate":"2024-03-15T19:30:00.000+0000"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateVoided, d.Snapshot.Order.State)

	d, err = toastAdapter{}.Decode(testBiz, json.RawMessage(`{"guid":"T-3"}`))
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateOpen, d.Snapshot.Order.State)
	assert.Nil(t, d.Snapshot.Order.BusinessDate)
}

func TestSquareDecode(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "SQ-1",
		"state": "COMPLETED",
		"version": 4,
		"created_at": "2024-03-15T09:00:00Z",
		"closed_at": "2024-03-15T09:10:00.123Z",
		"total_money": {"amount": 1650, "currency": "USD"},
		"total_tax_money": {"amount": 150, "currency": "USD"},
		"total_discount_money": {"amount": 100, "currency": "USD"},
		"line_items": [
			{"uid": "LI1", "name": "Latte", "variation_name": "Large", "quantity": "2",
			 "gross_sales_money": {"amount": 1200, "currency": "USD"}, "metadata": {"category": "Drinks"}},
			{"uid": "LI2", "name": "Cookie", "variation_name": "Regular", "quantity": "",
			 "gross_sales_money": {"amount": 400, "currency": "USD"},
			 "total_discount_money": {"amount": 100, "currency": "USD"}}
		],
		"tenders": [
			{"id": "TN1", "type": "CARD", "amount_money": {"amount": 1650, "currency": "USD"},
			 "tip_money": {"amount": 200, "currency": "USD"}, "card_details": {"status": "CAPTURED"}}
		],
		"refunds": [
			{"id": "R1", "tender_id": "TN1", "status": "COMPLETED", "amount_money": {"amount": 500, "currency": "USD"}},
			{"id": "R2", "tender_id": "TN1", "status": "REJECTED", "amount_money": {"amount": 900, "currency": "USD"}}
		]
	}`)

	d, err := squareAdapter{}.Decode(testBiz, raw)
	require.NoError(t, err)

	o := d.Snapshot.Order
	assert.Equal(t, models.OrderStateCompleted, o.State)
	assert.Nil(t, o.BusinessDate)
	assertDec(t, "1.5", o.TaxAmount)
	assertDec(t, "16", o.GrossAmount)
	assertDec(t, "2", o.TipAmount)
	assert.Equal(t, "4", d.Version)

	require.Len(t, d.Snapshot.Items, 2)
	assert.Equal(t, "Latte Large", d.Snapshot.Items[0].Name)
	assert.Equal(t, "Drinks", d.Snapshot.Items[0].CategoryLabel)
	assertDec(t, "2", d.Snapshot.Items[0].Quantity)
	assert.Equal(t, "Cookie", d.Snapshot.Items[1].Name)
	assertDec(t, "1", d.Snapshot.Items[1].Quantity)
	assertDec(t, "1", d.Snapshot.Items[1].DiscountAmount)

	require.Len(t, d.Snapshot.Payments, 1)
	p := d.Snapshot.Payments[0]
	assert.Equal(t, models.RefundStatusPartiallyRefunded, p.RefundStatus)
	assertDec(t, "5", p.RefundAmount)
}

func TestSquareZeroDecimalCurrency(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "SQ-2", "state": "CANCELED", "updated_at": "2024-03-15T09:00:00Z",
		"total_money": {"amount": 1500, "currency": "JPY"},
		"line_items": [{"uid": "LI1", "name": "Onigiri", "quantity": "1", "gross_sales_money": {"amount": 1500, "currency": "JPY"}}]
	}`)
	d, err := squareAdapter{}.Decode(testBiz, raw)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateVoided, d.Snapshot.Order.State)
	assertDec(t, "1500", d.Snapshot.Items[0].LineTotal)
	assert.Equal(t, "2024-03-15T09:00:00Z", d.Version, "updated_at is the version when none is reported")
}

func TestSquareRefundOf(t *testing.T) {
	money := func(m squareMoney) decimal.Decimal { return decimal.NewFromInt(m.Amount) }
	tendered := decimal.NewFromInt(100)

	status, amount := squareRefundOf(nil, tendered, money)
	assert.Equal(t, models.RefundStatusNone, status)
	assertDec(t, "0", amount)

	status, amount = squareRefundOf([]squareRefund{{Status: "APPROVED", AmountMoney: squareMoney{Amount: 100}}}, tendered, money)
	assert.Equal(t, models.RefundStatusRefunded, status)
	assertDec(t, "100", amount)

	status, _ = squareRefundOf([]squareRefund{{Status: "PENDING", AmountMoney: squareMoney{Amount: 40}}}, tendered, money)
	assert.Equal(t, models.RefundStatusPending, status)

	status, amount = squareRefundOf([]squareRefund{{Status: "FAILED", AmountMoney: squareMoney{Amount: 40}}}, tendered, money)
	assert.Equal(t, models.RefundStatusFailed, status)
	assertDec(t, "0", amount)
}

func TestParseTimeAndDay(t *testing.T) {
	assert.Nil(t, parseTime(""))
	assert.Nil(t, parseTime("yesterday"))
	ts := parseTime("2024-03-15 08:00:00")
	require.NotNil(t, ts)
	assert.Equal(t, 8, ts.Hour())

	assert.Nil(t, parseDay("2024-13-01"))
	day := parseDay("2024-03-15T23:59:59Z")
	require.NotNil(t, day)
	assert.Equal(t, "2024-03-15", *day)
}
