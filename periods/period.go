package periods

import (
	"fmt"
	"time"

	"github.com/icodeforyou/southpool-go/types"
)

const dateLayout = "2006-01-02"

// CET is the market calendar: a fixed +01:00 offset all year round. The
// upstream delivery days and period numbers use the same convention, so
// no daylight saving is applied.
var CET = time.FixedZone("CET", 60*60)

// Period identifies one market period within a CET delivery day.
type Period struct {
	Date        string
	Index       int // 1-based
	Granularity types.Granularity
	Start       time.Time
}

func (p Period) String() string {
	return fmt.Sprintf("%s #%02d", p.Date, p.Index)
}

func (p Period) End() time.Time {
	return p.Start.Add(time.Duration(p.Granularity.Minutes()) * time.Minute)
}

func (p Period) Add(n int) Period {
	return Current(p.Start.Add(time.Duration(n*p.Granularity.Minutes())*time.Minute), p.Granularity)
}

// Current maps an instant to the period containing it. An instant exactly
// on a boundary belongs to the period starting at that instant.
func Current(now time.Time, g types.Granularity) Period {
	t := now.In(CET)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, CET)
	minutes := int(t.Sub(midnight) / time.Minute)
	idx := minutes / g.Minutes()
	return Period{
		Date:        t.Format(dateLayout),
		Index:       idx + 1,
		Granularity: g,
		Start:       midnight.Add(time.Duration(idx*g.Minutes()) * time.Minute),
	}
}

// StartOf returns the start instant of period index on a CET delivery day.
func StartOf(date string, index int, g types.Granularity) (time.Time, error) {
	if index < 1 || index > g.PeriodsPerDay() {
		return time.Time{}, fmt.Errorf("period index %d out of range 1-%d", index, g.PeriodsPerDay())
	}
	day, err := time.ParseInLocation(dateLayout, date, CET)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid delivery day %q: %w", date, err)
	}
	return day.Add(time.Duration((index-1)*g.Minutes()) * time.Minute), nil
}

// Today returns the CET delivery day of now.
func Today(now time.Time) string {
	return now.In(CET).Format(dateLayout)
}

func AddDays(date string, days int) string {
	day, err := time.ParseInLocation(dateLayout, date, CET)
	if err != nil {
		return date
	}
	return day.AddDate(0, 0, days).Format(dateLayout)
}

func FromIso(str string) time.Time {
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}
	}
	return t.In(CET)
}

func FormatCET(t time.Time) string {
	return t.In(CET).Format(time.RFC3339)
}

// NextBoundary returns the first instant after now that is a multiple of
// step since CET midnight.
func NextBoundary(now time.Time, step time.Duration) time.Time {
	t := now.In(CET)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, CET)
	elapsed := t.Sub(midnight)
	return midnight.Add((elapsed/step + 1) * step)
}
