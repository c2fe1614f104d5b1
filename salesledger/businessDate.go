package salesledger

import (
	"strings"
	"time"

	"github.com/mmdatafocus/pos_ledger/models"
	"github.com/mmdatafocus/pos_ledger/utils"
)

type DateSource string

const (
	DateSourceBusinessDate DateSource = "business_date"
	DateSourceTimezone     DateSource = "timezone"
)

// SaleMoment is the calendar day and local wall-clock time a sale is booked on.
type SaleMoment struct {
	Date   string
	Time   string
	Source DateSource
}

// DeriveSaleDate picks the day an order belongs to. The provider's own
// business day wins, since restaurants close after midnight; otherwise the
// close (or open) timestamp is converted to the business timezone.
func DeriveSaleDate(order models.PosOrder, loc *time.Location) (SaleMoment, error) {
	if loc == nil {
		loc = time.UTC
	}
	var stamp *time.Time
	switch {
	case order.ClosedAt != nil:
		stamp = order.ClosedAt
	case order.OpenedAt != nil:
		stamp = order.OpenedAt
	}

	var m SaleMoment
	if stamp != nil {
		m.Time = stamp.In(loc).Format("15:04:05")
	}

	if order.BusinessDate != nil {
		if day, err := utils.ParseDay(strings.TrimSpace(*order.BusinessDate)); err == nil {
			m.Date = utils.FormatDay(day)
			m.Source = DateSourceBusinessDate
			return m, nil
		}
	}
	if stamp == nil {
		return SaleMoment{}, ErrNoSaleDate
	}
	m.Date = utils.FormatDay(utils.ConvertToDate(*stamp, loc))
	m.Source = DateSourceTimezone
	return m, nil
}
