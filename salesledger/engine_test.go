package salesledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/mmdatafocus/pos_ledger/classify"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const day1 = "2024-03-01"

func TestSyncAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	o.Order.TaxAmount = dec("0.50")
	addItem(o, "i1", "Coffee", "2", "10.00")
	addPayment(o, "p1", "10.50", "1.00", models.PaymentStatusCaptured)
	f.store(o)

	res, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	assert.Equal(t, ModeBulk, res.Mode)
	assert.Equal(t, 3, res.RowsWritten)
	assert.Equal(t, 1, res.DaysTouched)

	first := f.rows()
	require.Len(t, first, 3)

	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "10.00", s.GrossRevenue)
	assertDec(t, "0.50", s.TaxTotal)
	assertDec(t, "1.00", s.TipTotal)
	assert.Equal(t, 1, s.TransactionCount)

	// Same extract again: nothing to write.
	f.store(o)
	res, err = f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Equal(t, 0, res.RowsRetracted)
	assert.Equal(t, 3, res.RowsUnchanged)

	second := f.rows()
	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].ContentEqual(second[i]))
	}
	s2, _ := f.summary(day1)
	assert.True(t, s.GrossRevenue.Equal(s2.GrossRevenue))
	assert.Equal(t, s.TransactionCount, s2.TransactionCount)
}

func TestTaxRowRetractedWhenOrderVoided(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	o.Order.TaxAmount = dec("0.70")
	addItem(o, "i1", "Tea", "1", "7.00")
	f.store(o)

	_, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	_, ok := f.rowByItem("o1" + models.SuffixTax)
	require.True(t, ok)

	o.Order.State = models.OrderStateVoided
	f.store(o)
	res, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Equal(t, 1, res.RowsRetracted)

	_, ok = f.rowByItem("o1" + models.SuffixTax)
	assert.False(t, ok, "tax row must be retracted")
	void, ok := f.rowByItem("i1" + models.SuffixVoid)
	require.True(t, ok, "void offset expected")
	assertDec(t, "-7.00", void.TotalPrice)
	assert.Nil(t, void.AdjustmentType)

	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "0", s.GrossRevenue)
	assertDec(t, "0", s.TaxTotal)
	assert.Equal(t, 0, s.TransactionCount)
}

func TestTaxRowRetractedWhenTaxDropsToZero(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	o.Order.TaxAmount = dec("0.80")
	addItem(o, "i1", "Tea", "1", "8.00")
	f.store(o)

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	_, ok := f.rowByItem("o1" + models.SuffixTax)
	require.True(t, ok)

	o.Order.TaxAmount = dec("0")
	f.store(o)
	res, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsRetracted)

	_, ok = f.rowByItem("o1" + models.SuffixTax)
	assert.False(t, ok, "zero tax leaves no tax row")
	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "0", s.TaxTotal)
	assertDec(t, "8.00", s.GrossRevenue)

	res, err = f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsRetracted)
	assert.Equal(t, 0, res.RowsWritten)
	_, ok = f.rowByItem("o1" + models.SuffixTax)
	assert.False(t, ok)
	require.Len(t, f.rows(), 1)
}

func TestDiscountRetractedWhenItemVoided(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	it := addItem(o, "i1", "Cake", "1", "12.00")
	it.DiscountAmount = dec("2.00")
	addItem(o, "i2", "Juice", "1", "5.00")
	f.store(o)

	_, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	d, ok := f.rowByItem("i1" + models.SuffixDiscount)
	require.True(t, ok)
	assertDec(t, "-2.00", d.TotalPrice)

	s, _ := f.summary(day1)
	assertDec(t, "17.00", s.GrossRevenue)
	assertDec(t, "-2.00", s.DiscountTotal)

	o.Items[0].Voided = true
	f.store(o)
	_, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)

	_, ok = f.rowByItem("i1" + models.SuffixDiscount)
	assert.False(t, ok)
	_, ok = f.rowByItem("i1" + models.SuffixVoid)
	assert.True(t, ok)

	s, _ = f.summary(day1)
	assertDec(t, "5.00", s.GrossRevenue)
	assertDec(t, "0", s.DiscountTotal)
	assert.Equal(t, 1, s.TransactionCount)
}

func TestTipRetractedWhenPaymentDenied(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Noodles", "1", "8.00")
	addPayment(o, "p1", "9.00", "1.00", models.PaymentStatusCaptured)
	f.store(o)

	_, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	s, _ := f.summary(day1)
	assertDec(t, "1.00", s.TipTotal)

	o.Payments[0].Status = models.PaymentStatusDenied
	f.store(o)
	_, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)

	_, ok := f.rowByItem("p1" + models.SuffixTip)
	assert.False(t, ok)
	s, _ = f.summary(day1)
	assertDec(t, "0", s.TipTotal)
	assertDec(t, "8.00", s.GrossRevenue)
}

func TestRefundAndServiceChargeRows(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	o.Order.ServiceChargeAmount = dec("1.50")
	addItem(o, "i1", "Set Menu", "1", "15.00")
	p := addPayment(o, "p1", "16.50", "0", models.PaymentStatusCaptured)
	p.RefundStatus = models.RefundStatusPending
	p.RefundAmount = dec("3.00")
	f.store(o)

	_, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	_, ok := f.rowByItem("p1" + models.SuffixRefund)
	assert.False(t, ok, "pending refunds are not booked")

	o.Payments[0].RefundStatus = models.RefundStatusPartiallyRefunded
	f.store(o)
	_, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)

	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "15.00", s.GrossRevenue)
	assertDec(t, "1.50", s.ServiceChargeTotal)
	assertDec(t, "-3.00", s.RefundTotal)

	o.Payments[0].RefundStatus = models.RefundStatusFailed
	f.store(o)
	res, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsRetracted)
	s, _ = f.summary(day1)
	assertDec(t, "0", s.RefundTotal)
}

func TestRevenueExcludesAdjustments(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	o.Order.TaxAmount = dec("5.00")
	o.Order.ServiceChargeAmount = dec("2.00")
	it := addItem(o, "i1", "Pizza", "1", "50.00")
	it.DiscountAmount = dec("5.00")
	addPayment(o, "p1", "52.00", "4.00", models.PaymentStatusCaptured)
	f.store(o)

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)

	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "50.00", s.GrossRevenue)
	assertDec(t, "5.00", s.TaxTotal)
	assertDec(t, "2.00", s.ServiceChargeTotal)
	assertDec(t, "-5.00", s.DiscountTotal)
	assertDec(t, "4.00", s.TipTotal)
}

func TestVoidedOrderNetsToZero(t *testing.T) {
	f := newFixture(t)
	voided := f.order("o1", day1, models.OrderStateVoided)
	addItem(voided, "i1", "Burger", "2", "18.00")
	kept := f.order("o2", day1, models.OrderStateCompleted)
	addItem(kept, "i2", "Fries", "1", "4.00")
	f.store(voided, kept)

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)

	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "4.00", s.GrossRevenue)
	assert.Equal(t, 1, s.TransactionCount)
}

func TestGrossRevenueRoundedOnce(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"o1", "o2", "o3"} {
		o := f.order(id, day1, models.OrderStateCompleted)
		addItem(o, id+"-i", "Candy", "1", "0.005")
		f.store(o)
	}

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)

	s, ok := f.summary(day1)
	require.True(t, ok)
	// Rounding each row first would give 0.03.
	assertDec(t, "0.02", s.GrossRevenue)
	assert.Equal(t, 3, s.TransactionCount)
}

func TestOpenOrderIsNotBooked(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateOpen)
	addItem(o, "i1", "Coffee", "1", "3.00")
	f.store(o)

	res, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowsWritten)
	assert.Empty(t, f.rows())

	o.Order.State = models.OrderStateCompleted
	f.store(o)
	res, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsWritten)
}

func TestBulkAndIncrementalProduceSameLedger(t *testing.T) {
	build := func(f *fixture) {
		require.NoError(t, f.db.Create(&models.CategoryRule{BusinessId: f.biz, CategoryId: 7, Keyword: "coffee"}).Error)

		o1 := f.order("o1", day1, models.OrderStateCompleted)
		o1.Order.TaxAmount = dec("0.40")
		it := addItem(o1, "i1", "Iced Coffee", "2", "8.00")
		it.DiscountAmount = dec("1.00")
		addItem(o1, "i2", "Croissant", "1", "3.00")
		addPayment(o1, "p1", "10.40", "0.60", models.PaymentStatusCaptured)

		o2 := f.order("o2", "2024-03-02", models.OrderStateCompleted)
		v := addItem(o2, "i3", "Hot Coffee", "1", "3.50")
		v.Voided = true
		addItem(o2, "i4", "Bagel", "1", "2.25")

		o3 := f.order("o3", "2024-03-02", models.OrderStateVoided)
		addItem(o3, "i5", "Muffin", "3", "6.00")

		f.store(o1, o2, o3)
	}

	bulk := newFixtureWith(t, classify.NewRuleClassifier(), func(s *config.SyncSettings) { s.BulkThreshold = 1 })
	build(bulk)
	inc := newFixtureWith(t, classify.NewRuleClassifier(), func(s *config.SyncSettings) { s.BulkThreshold = 1000 })
	build(inc)

	rb, err := bulk.engine.SyncRange(bulk.interactive(), bulk.biz, "2024-03-01", "2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, ModeBulk, rb.Mode)
	ri, err := inc.engine.SyncRange(inc.interactive(), inc.biz, "2024-03-01", "2024-03-02")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, ri.Mode)
	assert.Equal(t, rb.RowsWritten, ri.RowsWritten)

	type view struct {
		Item     string
		Total    string
		Date     string
		Type     models.ItemType
		State    models.ClassificationState
		Category uint
	}
	project := func(f *fixture) []view {
		var out []view
		for _, r := range f.rows() {
			v := view{Item: r.ExternalItemId, Total: r.TotalPrice.StringFixed(4), Date: r.SaleDate, Type: r.ItemType, State: r.ClassificationState}
			if r.CategoryId != nil {
				v.Category = *r.CategoryId
			}
			out = append(out, v)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
		return out
	}
	assert.Equal(t, project(bulk), project(inc))

	coffee, ok := bulk.rowByItem("i1")
	require.True(t, ok)
	require.NotNil(t, coffee.CategoryId)
	assert.Equal(t, uint(7), *coffee.CategoryId)

	for _, day := range []string{"2024-03-01", "2024-03-02"} {
		sb, ok := bulk.summary(day)
		require.True(t, ok, day)
		si, ok := inc.summary(day)
		require.True(t, ok, day)
		assert.True(t, sb.GrossRevenue.Equal(si.GrossRevenue), day)
		assert.Equal(t, sb.TransactionCount, si.TransactionCount, day)
		assert.True(t, sb.TaxTotal.Equal(si.TaxTotal), day)
		assert.True(t, sb.TipTotal.Equal(si.TipTotal), day)
		assert.True(t, sb.DiscountTotal.Equal(si.DiscountTotal), day)
	}

	s2, _ := bulk.summary("2024-03-02")
	assertDec(t, "2.25", s2.GrossRevenue)
	assert.Equal(t, 1, s2.TransactionCount)
}

// buildMonth stores a deterministic spread of orders over the first `days`
// days of March 2024, mixing taxes, discounts, item voids, voided orders,
// tips and denied payments.
func buildMonth(f *fixture, orders, days int) {
	f.t.Helper()
	require.NoError(f.t, f.db.Create(&[]models.CategoryRule{
		{BusinessId: f.biz, CategoryId: 7, Keyword: "coffee", Priority: 1},
		{BusinessId: f.biz, CategoryId: 8, Keyword: "tea", Priority: 2},
	}).Error)

	names := []string{"Iced Coffee", "Bagel", "Green Tea", "Muffin", "Hot Coffee"}
	snaps := make([]*models.PosSnapshot, 0, orders)
	for i := 0; i < orders; i++ {
		day := fmt.Sprintf("2024-03-%02d", 1+i%days)
		state := models.OrderStateCompleted
		if i%17 == 0 {
			state = models.OrderStateVoided
		}
		o := f.order(fmt.Sprintf("o%d", i), day, state)
		if i%3 == 0 {
			o.Order.TaxAmount = dec("0.35")
		}
		first := addItem(o, fmt.Sprintf("i%d-a", i), names[i%len(names)], "1", fmt.Sprintf("%d.00", 2+i%5))
		if i%4 == 0 {
			first.DiscountAmount = dec("0.50")
		}
		second := addItem(o, fmt.Sprintf("i%d-b", i), names[(i+2)%len(names)], "2", fmt.Sprintf("%d.50", 3+i%4))
		if i%7 == 0 {
			second.Voided = true
		}
		status := models.PaymentStatusCaptured
		if i%13 == 0 {
			status = models.PaymentStatusDenied
		}
		tip := "0"
		if i%2 == 0 {
			tip = "0.25"
		}
		addPayment(o, fmt.Sprintf("p%d", i), "10.00", tip, status)
		snaps = append(snaps, o)
	}
	f.store(snaps...)
}

func countSummaryUpserts(t *testing.T, db *gorm.DB) *int {
	n := 0
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:count_summary_upserts", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "daily_sales_summaries" {
			n++
		}
	}))
	return &n
}

func TestBulkAndIncrementalAgreeOnGeneratedMonth(t *testing.T) {
	const orders, days = 300, 12
	from, to := "2024-03-01", fmt.Sprintf("2024-03-%02d", days)

	bulk := newFixtureWith(t, classify.NewRuleClassifier(), func(s *config.SyncSettings) { s.BulkThreshold = 1 })
	buildMonth(bulk, orders, days)
	inc := newFixtureWith(t, classify.NewRuleClassifier(), func(s *config.SyncSettings) { s.BulkThreshold = 100000 })
	buildMonth(inc, orders, days)

	bulkUpserts := countSummaryUpserts(t, bulk.db)
	incUpserts := countSummaryUpserts(t, inc.db)

	rb, err := bulk.engine.SyncRange(bulk.interactive(), bulk.biz, from, to)
	require.NoError(t, err)
	assert.Equal(t, ModeBulk, rb.Mode)
	assert.Equal(t, days, rb.DaysTouched)
	assert.Equal(t, days, *bulkUpserts, "bulk recomputes each distinct day once")

	ri, err := inc.engine.SyncRange(inc.interactive(), inc.biz, from, to)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, ri.Mode)
	assert.Equal(t, rb.RowsWritten, ri.RowsWritten)
	assert.Greater(t, *incUpserts, days, "incremental recomputes per row write")

	type view struct {
		Item     string
		Total    string
		Date     string
		Type     models.ItemType
		State    models.ClassificationState
		Category uint
	}
	project := func(f *fixture) []view {
		var out []view
		for _, r := range f.rows() {
			v := view{Item: r.ExternalItemId, Total: r.TotalPrice.StringFixed(4), Date: r.SaleDate, Type: r.ItemType, State: r.ClassificationState}
			if r.CategoryId != nil {
				v.Category = *r.CategoryId
			}
			out = append(out, v)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
		return out
	}
	pb, pi := project(bulk), project(inc)
	require.Greater(t, len(pb), 2*orders)
	assert.Equal(t, pb, pi)

	for d := 1; d <= days; d++ {
		day := fmt.Sprintf("2024-03-%02d", d)
		sb, ok := bulk.summary(day)
		require.True(t, ok, day)
		si, ok := inc.summary(day)
		require.True(t, ok, day)
		assert.True(t, sb.GrossRevenue.Equal(si.GrossRevenue), day)
		assert.Equal(t, sb.TransactionCount, si.TransactionCount, day)
		assert.True(t, sb.TaxTotal.Equal(si.TaxTotal), day)
		assert.True(t, sb.TipTotal.Equal(si.TipTotal), day)
		assert.True(t, sb.DiscountTotal.Equal(si.DiscountTotal), day)
		assert.True(t, sb.RefundTotal.Equal(si.RefundTotal), day)
	}
}


func TestFailedSyncRollsBackAndLaterSyncsStillAggregate(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	o.Order.TaxAmount = dec("1.00")
	addItem(o, "i1", "Rice", "1", "6.00")
	f.store(o)

	failing := true
	require.NoError(t, f.db.Callback().Create().After("gorm:create").Register("test:fail_sale_rows", func(db *gorm.DB) {
		if failing && db.Statement.Schema != nil && db.Statement.Schema.Table == "sale_rows" {
			_ = db.AddError(errors.New("disk full"))
		}
	}))

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.Error(t, err)
	assert.Empty(t, f.rows())
	_, ok := f.summary(day1)
	assert.False(t, ok)

	_, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.Error(t, err)
	assert.Empty(t, f.rows())

	failing = false
	res, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, res.Mode)
	assert.Len(t, f.rows(), 2)

	// Written by the per-row hooks: the bulk switch did not leak.
	s, ok := f.summary(day1)
	require.True(t, ok)
	assertDec(t, "6.00", s.GrossRevenue)
	assertDec(t, "1.00", s.TaxTotal)
}

func TestUnauthorizedCallerIsRejected(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Soup", "1", "4.00")
	f.store(o)

	f.engine.Authorizer = AuthorizerFunc(func(context.Context, string, string) (bool, error) { return false, nil })

	_, err := f.engine.SyncAll(f.interactive(), f.biz)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.engine.SyncOrder(f.interactive(), f.biz, models.ProviderPitiX, "o1")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.rows())

	// Background runs are trusted.
	_, err = f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	assert.Len(t, f.rows(), 1)
}

func TestClassificationOnlyForInteractiveCallers(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Soup", "1", "4.00")
	f.store(o)

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	_, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, 0, f.cls.batchCalls)
	assert.Equal(t, 0, f.cls.rowCalls)

	_, err = f.engine.SyncAll(f.interactive(), f.biz)
	require.NoError(t, err)
	assert.Equal(t, 1, f.cls.batchCalls)

	o2 := f.order("o2", day1, models.OrderStateCompleted)
	addItem(o2, "i2", "Salad", "1", "5.00")
	f.store(o2)
	_, err = f.engine.SyncOrder(f.interactive(), f.biz, models.ProviderPitiX, "o2")
	require.NoError(t, err)
	assert.Equal(t, 1, f.cls.rowCalls)
}

func TestBatchClassificationFailureReportsCommittedResult(t *testing.T) {
	f := newFixture(t)
	f.cls.batchErr = errors.New("rules unavailable")
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Soup", "1", "4.00")
	f.store(o)

	_, err := f.engine.SyncAll(f.interactive(), f.biz)
	var sideErr *SideEffectError
	require.ErrorAs(t, err, &sideErr)
	assert.Equal(t, "classification", sideErr.Stage)
	assert.Equal(t, 1, sideErr.Result.RowsWritten)
	assert.Len(t, f.rows(), 1)
}

func TestOrderMovedToAnotherDay(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Tea", "1", "2.00")
	f.store(o)

	_, err := f.engine.SyncRange(f.ctx, f.biz, day1, day1)
	require.NoError(t, err)
	_, ok := f.summary(day1)
	require.True(t, ok)

	moved := "2024-03-02"
	o.Order.BusinessDate = &moved
	f.store(o)

	_, err = f.engine.SyncRange(f.ctx, f.biz, day1, day1)
	require.NoError(t, err)

	row, ok := f.rowByItem("i1")
	require.True(t, ok)
	assert.Equal(t, moved, row.SaleDate)
	_, ok = f.summary(day1)
	assert.False(t, ok, "old day must be recomputed away")
	s, ok := f.summary(moved)
	require.True(t, ok)
	assertDec(t, "2.00", s.GrossRevenue)
}

func TestVanishedSourcesAreRetracted(t *testing.T) {
	f := newFixture(t)
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Tea", "1", "2.00")
	addItem(o, "i2", "Cake", "1", "3.00")
	f.store(o)

	_, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)

	require.NoError(t, f.db.Where("business_id = ? AND external_id = ?", f.biz, "i2").Delete(&models.PosLineItem{}).Error)
	res, err := f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsRetracted)
	s, _ := f.summary(day1)
	assertDec(t, "2.00", s.GrossRevenue)

	require.NoError(t, f.db.Where("business_id = ?", f.biz).Delete(&models.PosLineItem{}).Error)
	require.NoError(t, f.db.Where("business_id = ?", f.biz).Delete(&models.PosOrder{}).Error)
	_, err = f.engine.SyncOrder(f.ctx, f.biz, models.ProviderPitiX, "o1")
	require.NoError(t, err)
	assert.Empty(t, f.rows())
	_, ok := f.summary(day1)
	assert.False(t, ok)
}

func TestSyncRangeRejectsBadRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SyncRange(f.ctx, f.biz, "2024-03-05", "2024-03-01")
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = f.engine.SyncRange(f.ctx, f.biz, "03/01/2024", "2024-03-01")
	assert.ErrorIs(t, err, ErrInvalidRange)
	_, err = f.engine.SyncAll(f.ctx, "")
	assert.ErrorIs(t, err, ErrBusinessRequired)
}

func TestSyncHonoursTimeout(t *testing.T) {
	f := newFixture(t, func(s *config.SyncSettings) { s.Timeout = time.Nanosecond })
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Tea", "1", "2.00")
	f.store(o)

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.rows())
}

func TestClassifyPendingCatchesUpBackgroundRows(t *testing.T) {
	f := newFixtureWith(t, classify.NewRuleClassifier())
	require.NoError(t, f.db.Create(&models.CategoryRule{BusinessId: f.biz, CategoryId: 3, Keyword: "tea"}).Error)
	o := f.order("o1", day1, models.OrderStateCompleted)
	addItem(o, "i1", "Milk Tea", "1", "2.00")
	f.store(o)

	_, err := f.engine.SyncAll(f.ctx, f.biz)
	require.NoError(t, err)
	row, _ := f.rowByItem("i1")
	assert.Equal(t, models.ClassificationUnclassified, row.ClassificationState)

	n, err := f.engine.ClassifyPending(f.ctx, f.biz)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	row, _ = f.rowByItem("i1")
	assert.Equal(t, models.ClassificationClassified, row.ClassificationState)
}
