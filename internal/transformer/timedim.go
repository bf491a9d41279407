package transformer

import (
	"fmt"
	"time"

	"songetl/internal/domain"
)

// maxEpochMillis is 9999-12-31T23:59:59.999Z, the last instant with a
// four-digit year.
const maxEpochMillis int64 = 253402300799999

// DeriveTime expands an epoch-millisecond timestamp into its UTC calendar
// parts. StartTime keeps the input value unchanged.
//
// Week is the ISO 8601 week, so the last days of December can land in week 1
// of the following week-year and the first days of January in week 52/53 of
// the previous one. Year stays the Gregorian year of the instant; WeekYear is
// the year the ISO week belongs to.
func DeriveTime(ms int64) (domain.TimeRow, error) {
	if ms < 0 || ms > maxEpochMillis {
		return domain.TimeRow{}, &domain.RecordError{
			Kind:  domain.ErrInvalidTimestamp,
			Field: "ts",
			Err:   fmt.Errorf("%d outside [0, %d]", ms, maxEpochMillis),
		}
	}

	t := time.UnixMilli(ms).UTC()
	weekYear, week := t.ISOWeek()

	return domain.TimeRow{
		StartTime: ms,
		Hour:      t.Hour(),
		Day:       t.Day(),
		Week:      week,
		WeekYear:  weekYear,
		Year:      t.Year(),
		Month:     int(t.Month()),
		Weekday:   (int(t.Weekday()) + 6) % 7,
	}, nil
}

// DeriveTimes applies DeriveTime to each timestamp, preserving order. It
// stops at the first invalid value and reports its index.
func DeriveTimes(ms []int64) ([]domain.TimeRow, error) {
	out := make([]domain.TimeRow, 0, len(ms))
	for i, v := range ms {
		row, err := DeriveTime(v)
		if err != nil {
			return out, fmt.Errorf("timestamp %d: %w", i, err)
		}
		out = append(out, row)
	}
	return out, nil
}
