package possync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/shopspring/decimal"
)

// Adapter knows one provider's API surface and order payload.
type Adapter interface {
	Provider() string
	DefaultBaseURL() string
	// AuthHeader returns the header carrying the API key and the prefix
	// written before the key.
	AuthHeader() (string, string)
	OrdersPath() string
	// Decode turns one raw order record into an extract snapshot of the
	// given business.
	Decode(businessId string, raw json.RawMessage) (Decoded, error)
}

// Decoded is a provider order in extract form plus the provider's version
// marker, used to skip orders that have not changed since the last fetch.
type Decoded struct {
	Snapshot models.PosSnapshot
	Version  string
}

var (
	ErrUnknownProvider = errors.New("unknown pos provider")
	errMissingId       = errors.New("record id missing")
)

var adapters = map[string]Adapter{
	models.ProviderPitiX:  pitixAdapter{},
	models.ProviderToast:  toastAdapter{},
	models.ProviderSquare: squareAdapter{},
}

func AdapterFor(provider string) (Adapter, error) {
	a, ok := adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return a, nil
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
}

// parseTime returns nil for empty or unparseable values; a missing timestamp
// must never be replaced by the fetch time.
func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// parseDay accepts YYYY-MM-DD or a timestamp starting with one.
func parseDay(value string) *string {
	value = strings.TrimSpace(value)
	if len(value) < 10 {
		return nil
	}
	day := value[:10]
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return nil
	}
	return &day
}

func sumDecimals(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// grossOf sums the line totals of the snapshot's items.
func grossOf(items []models.PosLineItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		if !it.Voided {
			total = total.Add(it.LineTotal)
		}
	}
	return total
}
