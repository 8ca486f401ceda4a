package app

import (
	"fmt"
	"time"

	"github.com/sparklecrew/affiliate-service/internal/domain"
)

// PeriodBounds maps any timestamp to the start (inclusive) and end (exclusive)
// of its enclosing accounting period, in UTC. Determinism here is what keeps
// ledger-entry natural keys stable: the same timestamp always lands in the same
// period.
//
// Monthly periods run from the first instant of the UTC calendar month to the
// first instant of the next. Weekly periods start Monday 00:00:00 UTC; a Sunday
// timestamp maps back to the previous Monday.
func PeriodBounds(periodType string, t time.Time) (time.Time, time.Time, error) {
	u := t.UTC()
	switch periodType {
	case domain.PeriodMonthly:
		start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), nil
	case domain.PeriodWeekly:
		day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
		offset := int(day.Weekday()) - 1
		if offset < 0 {
			offset = 6
		}
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriodType, periodType)
	}
}
