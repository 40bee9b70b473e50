package commission

import (
	"fmt"
	"time"
)

type Period string

const (
	PeriodDaily     Period = "DAILY"
	PeriodWeekly    Period = "WEEKLY"
	PeriodBiweekly  Period = "BIWEEKLY"
	PeriodMonthly   Period = "MONTHLY"
	PeriodQuarterly Period = "QUARTERLY"
	PeriodYearly    Period = "YEARLY"
)

// biweeklyAnchor is the Monday every biweekly window is counted from.
var biweeklyAnchor = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)

func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodBiweekly, PeriodMonthly, PeriodQuarterly, PeriodYearly:
		return true
	}
	return false
}

// ValidAggregation reports whether p can be used as a payout cadence.
func (p Period) ValidAggregation() bool {
	return p == PeriodWeekly || p == PeriodBiweekly || p == PeriodMonthly
}

// Window returns the half-open [start, end) window of p containing at,
// computed on the wall clock of loc.
func (p Period) Window(at time.Time, loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t := at.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)

	switch p {
	case PeriodDaily:
		return day, day.AddDate(0, 0, 1), nil
	case PeriodWeekly:
		start := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
		return start, start.AddDate(0, 0, 7), nil
	case PeriodBiweekly:
		civil := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		days := int(civil.Sub(biweeklyAnchor).Hours() / 24)
		offset := days % 14
		if offset < 0 {
			offset += 14
		}
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 14), nil
	case PeriodMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), nil
	case PeriodQuarterly:
		month := time.Month((int(t.Month())-1)/3*3 + 1)
		start := time.Date(t.Year(), month, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 3, 0), nil
	case PeriodYearly:
		start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", p)
	}
}

// Bucket returns the label of the window containing at, e.g. "2024-W11"
// for WEEKLY or "2024-Q1" for QUARTERLY.
func (p Period) Bucket(at time.Time, loc *time.Location) (string, error) {
	start, _, err := p.Window(at, loc)
	if err != nil {
		return "", err
	}

	switch p {
	case PeriodDaily:
		return start.Format("2006-01-02"), nil
	case PeriodWeekly:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case PeriodBiweekly:
		return "BW-" + start.Format("2006-01-02"), nil
	case PeriodMonthly:
		return start.Format("2006-01"), nil
	case PeriodQuarterly:
		return fmt.Sprintf("%04d-Q%d", start.Year(), (int(start.Month())-1)/3+1), nil
	default:
		return start.Format("2006"), nil
	}
}
