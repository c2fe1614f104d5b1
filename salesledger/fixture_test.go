package salesledger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/glebarez/sqlite"
	"github.com/mmdatafocus/pos_ledger/config"
	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("%s_%d", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, models.MigrateTable(db))
	return db
}

type fakeClassifier struct {
	rowCalls   int
	batchCalls int
	batchErr   error
}

func (f *fakeClassifier) ClassifyRow(ctx context.Context, tx *gorm.DB, row *models.SaleRow) (bool, error) {
	f.rowCalls++
	return false, nil
}

func (f *fakeClassifier) ClassifyBatch(ctx context.Context, tx *gorm.DB, businessId string, maxRows int) (int, error) {
	f.batchCalls++
	return 0, f.batchErr
}

var allowAll = AuthorizerFunc(func(context.Context, string, string) (bool, error) { return true, nil })

type fixture struct {
	t      *testing.T
	ctx    context.Context
	db     *gorm.DB
	biz    string
	engine *Engine
	cls    *fakeClassifier
}

func newFixture(t *testing.T, tune ...func(*config.SyncSettings)) *fixture {
	t.Helper()
	cls := &fakeClassifier{}
	f := newFixtureWith(t, cls, tune...)
	f.cls = cls
	return f
}

func newFixtureWith(t *testing.T, classifier Classifier, tune ...func(*config.SyncSettings)) *fixture {
	t.Helper()
	db := newTestDB(t)
	ctx := context.Background()

	business, err := models.CreateBusiness(ctx, db, models.NewBusiness{Name: "Shwe Cafe", Timezone: "Asia/Yangon"})
	require.NoError(t, err)

	settings := config.DefaultSyncSettings()
	for _, fn := range tune {
		fn(&settings)
	}
	engine, err := NewEngine(db, classifier, allowAll, settings)
	require.NoError(t, err)

	return &fixture{t: t, ctx: ctx, db: db, biz: business.ID.String(), engine: engine}
}

// interactive returns the fixture context carrying a signed-in caller.
func (f *fixture) interactive() context.Context {
	return utils.SetUsernameInContext(f.ctx, "cashier")
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// order builds a snapshot closed at noon local time on day, with the
// provider's business date set to day.
func (f *fixture) order(id, day string, state models.OrderState) *models.PosSnapshot {
	loc, _ := time.LoadLocation("Asia/Yangon")
	noon, err := time.ParseInLocation("2006-01-02 15:04:05", day+" 12:00:00", loc)
	require.NoError(f.t, err)
	closed := noon.UTC()
	bd := day
	return &models.PosSnapshot{Order: models.PosOrder{
		BusinessId:   f.biz,
		Provider:     models.ProviderPitiX,
		ExternalId:   id,
		State:        state,
		BusinessDate: &bd,
		OpenedAt:     &closed,
		ClosedAt:     &closed,
		Currency:     "MMK",
	}}
}

func addItem(s *models.PosSnapshot, id, name, qty, total string) *models.PosLineItem {
	s.Items = append(s.Items, models.PosLineItem{
		BusinessId:      s.Order.BusinessId,
		Provider:        s.Order.Provider,
		OrderExternalId: s.Order.ExternalId,
		ExternalId:      id,
		Name:            name,
		Quantity:        dec(qty),
		LineTotal:       dec(total),
	})
	return &s.Items[len(s.Items)-1]
}

func addPayment(s *models.PosSnapshot, id, amount, tip string, status models.PaymentStatus) *models.PosPayment {
	s.Payments = append(s.Payments, models.PosPayment{
		BusinessId:      s.Order.BusinessId,
		Provider:        s.Order.Provider,
		OrderExternalId: s.Order.ExternalId,
		ExternalId:      id,
		Amount:          dec(amount),
		TipAmount:       dec(tip),
		Status:          status,
	})
	return &s.Payments[len(s.Payments)-1]
}

func (f *fixture) store(snaps ...*models.PosSnapshot) {
	f.t.Helper()
	require.NoError(f.t, f.db.Transaction(func(tx *gorm.DB) error {
		for _, s := range snaps {
			if err := models.StoreSnapshot(f.ctx, tx, *s); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (f *fixture) rows() []models.SaleRow {
	f.t.Helper()
	var rows []models.SaleRow
	require.NoError(f.t, f.db.Where("business_id = ?", f.biz).Order("id").Find(&rows).Error)
	return rows
}

func (f *fixture) rowByItem(itemId string) (models.SaleRow, bool) {
	f.t.Helper()
	var rows []models.SaleRow
	require.NoError(f.t, f.db.Where("business_id = ? AND external_item_id = ? AND parent_id IS NULL", f.biz, itemId).
		Find(&rows).Error)
	if len(rows) == 0 {
		return models.SaleRow{}, false
	}
	return rows[0], true
}

func (f *fixture) summary(day string) (models.DailySalesSummary, bool) {
	f.t.Helper()
	var rows []models.DailySalesSummary
	require.NoError(f.t, f.db.Where("business_id = ? AND provider = ? AND sale_date = ?", f.biz, models.ProviderPitiX, day).
		Find(&rows).Error)
	if len(rows) == 0 {
		return models.DailySalesSummary{}, false
	}
	return rows[0], true
}
