package utils

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// DayLayout is the calendar-day format used for business dates.
const DayLayout = "2006-01-02"

var ErrInvalidDay = errors.New("invalid date, expected YYYY-MM-DD")

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["request"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

// returns slice removing duplicate elements
func UniqueSlice[T comparable](slice []T) []T {
	inResult := make(map[T]bool)
	var result []T
	for _, elm := range slice {
		if _, ok := inResult[elm]; !ok {
			inResult[elm] = true
			result = append(result, elm)
		}
	}
	return result
}

// ChunkSlice splits s into consecutive slices of at most size elements.
func ChunkSlice[T any](s []T, size int) [][]T {
	if size <= 0 {
		size = len(s)
	}
	var out [][]T
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

// ConvertToDate returns midnight of t's calendar day in loc.
func ConvertToDate(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ParseDay parses a YYYY-MM-DD business date.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, ErrInvalidDay
	}
	return t, nil
}

func FormatDay(t time.Time) string {
	return t.Format(DayLayout)
}

// DayRange returns every day from start to end inclusive.
func DayRange(start, end string) ([]string, error) {
	from, err := ParseDay(start)
	if err != nil {
		return nil, err
	}
	to, err := ParseDay(end)
	if err != nil {
		return nil, err
	}
	var days []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, FormatDay(d))
	}
	return days, nil
}

func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}
	return decimal.NewFromString(value)
}

// DecimalFromMinor converts an amount in minor currency units (cents).
func DecimalFromMinor(amount int64, exp int32) decimal.Decimal {
	return decimal.New(amount, -exp)
}
