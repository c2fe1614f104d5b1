package salesledger

import (
	"testing"
	"time"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(state models.OrderState) models.PosSnapshot {
	closed := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	bd := "2024-03-01"
	return models.PosSnapshot{Order: models.PosOrder{
		BusinessId:   "biz",
		Provider:     models.ProviderToast,
		ExternalId:   "o1",
		State:        state,
		BusinessDate: &bd,
		ClosedAt:     &closed,
	}}
}

func item(id, qty, total string) models.PosLineItem {
	return models.PosLineItem{
		BusinessId:      "biz",
		Provider:        models.ProviderToast,
		OrderExternalId: "o1",
		ExternalId:      id,
		Name:            "Item " + id,
		Quantity:        dec(qty),
		LineTotal:       dec(total),
	}
}

func byItem(rows []models.SaleRow) map[string]models.SaleRow {
	out := map[string]models.SaleRow{}
	for _, r := range rows {
		out[r.ExternalItemId] = r
	}
	return out
}

func TestTransformCompletedOrder(t *testing.T) {
	snap := snapshot(models.OrderStateCompleted)
	snap.Order.TaxAmount = dec("0.84")
	snap.Order.ServiceChargeAmount = dec("1.20")
	it := item("i1", "3", "12.00")
	it.DiscountAmount = dec("1.50")
	snap.Items = append(snap.Items, it)
	snap.Payments = append(snap.Payments, models.PosPayment{
		BusinessId: "biz", Provider: models.ProviderToast, OrderExternalId: "o1", ExternalId: "p1",
		Amount: dec("12.54"), TipAmount: dec("2.00"), Status: models.PaymentStatusCaptured,
	})

	rows, err := Transform(snap, time.UTC)
	require.NoError(t, err)
	got := byItem(rows)
	require.Len(t, got, 5)

	sale := got["i1"]
	assert.Equal(t, models.ItemTypeSale, sale.ItemType)
	assert.Nil(t, sale.AdjustmentType)
	assertDec(t, "4", sale.UnitPrice)
	assert.Equal(t, "biz|toast|o1|i1", *sale.CanonicalKey)
	assert.Equal(t, "2024-03-01", sale.SaleDate)
	assert.Equal(t, "06:00:00", sale.SaleTime)

	disc := got["i1"+models.SuffixDiscount]
	require.NotNil(t, disc.AdjustmentType)
	assert.Equal(t, models.AdjustmentDiscount, *disc.AdjustmentType)
	assertDec(t, "-1.50", disc.TotalPrice)
	assert.Equal(t, "i1", disc.SourceExternalId)

	tax := got["o1"+models.SuffixTax]
	assert.Equal(t, models.ItemTypeTax, tax.ItemType)
	assert.Equal(t, "o1", tax.SourceExternalId)

	tip := got["p1"+models.SuffixTip]
	assertDec(t, "2.00", tip.TotalPrice)
	assert.Equal(t, "p1", tip.SourceExternalId)

	_, ok := got["o1"+models.SuffixServiceCharge]
	assert.True(t, ok)
}

func TestTransformIsDeterministic(t *testing.T) {
	snap := snapshot(models.OrderStateCompleted)
	snap.Items = append(snap.Items, item("i1", "1", "2"), item("i2", "2", "5"))

	a, err := Transform(snap, time.UTC)
	require.NoError(t, err)
	b, err := Transform(snap, time.UTC)
	require.NoError(t, err)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, *a[i].CanonicalKey, *b[i].CanonicalKey)
		assert.True(t, a[i].ContentEqual(b[i]))
	}
}

func TestTransformVoidedOrder(t *testing.T) {
	snap := snapshot(models.OrderStateVoided)
	snap.Order.TaxAmount = dec("1.00")
	it := item("i1", "2", "10.00")
	it.DiscountAmount = dec("1.00")
	snap.Items = append(snap.Items, it)

	rows, err := Transform(snap, time.UTC)
	require.NoError(t, err)
	got := byItem(rows)

	assert.Len(t, got, 2, "sale and void only")
	void := got["i1"+models.SuffixVoid]
	assert.Equal(t, models.ItemTypeVoid, void.ItemType)
	assert.Nil(t, void.AdjustmentType)
	assertDec(t, "-2", void.Quantity)
	assertDec(t, "-10.00", void.TotalPrice)
	assertDec(t, "5", void.UnitPrice)
}

func TestTransformSkipsOpenOrders(t *testing.T) {
	snap := snapshot(models.OrderStateOpen)
	snap.Items = append(snap.Items, item("i1", "1", "2"))
	rows, err := Transform(snap, time.UTC)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestTransformIgnoresUnsettledTipsAndPendingRefunds(t *testing.T) {
	snap := snapshot(models.OrderStateCompleted)
	snap.Items = append(snap.Items, item("i1", "1", "2"))
	snap.Payments = append(snap.Payments,
		models.PosPayment{BusinessId: "biz", Provider: models.ProviderToast, OrderExternalId: "o1", ExternalId: "p1",
			TipAmount: dec("1"), Status: models.PaymentStatusVoided},
		models.PosPayment{BusinessId: "biz", Provider: models.ProviderToast, OrderExternalId: "o1", ExternalId: "p2",
			Status: models.PaymentStatusCaptured, RefundStatus: models.RefundStatusPending, RefundAmount: dec("2")},
	)
	rows, err := Transform(snap, time.UTC)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestTransformRejectsForeignRecords(t *testing.T) {
	snap := snapshot(models.OrderStateCompleted)
	foreign := item("i1", "1", "2")
	foreign.OrderExternalId = "o2"
	snap.Items = append(snap.Items, foreign)
	_, err := Transform(snap, time.UTC)
	assert.ErrorIs(t, err, models.ErrInvalidSnapshot)
}

func TestTransformWithoutDateFails(t *testing.T) {
	snap := snapshot(models.OrderStateCompleted)
	snap.Order.BusinessDate = nil
	snap.Order.ClosedAt = nil
	_, err := Transform(snap, time.UTC)
	assert.ErrorIs(t, err, ErrNoSaleDate)
}

func TestUnitPriceOfZeroQuantity(t *testing.T) {
	assertDec(t, "3.5", unitPrice(dec("0"), dec("3.5")))
	assertDec(t, "0.3333", unitPrice(dec("3"), dec("1")))
}
