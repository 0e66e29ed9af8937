package types

import (
	"fmt"
	"strings"
)

// Hours covered by a forecast window.
const ForecastHours = 48

type Granularity string

const (
	Fine   Granularity = "15min"  // 96 periods per day
	Coarse Granularity = "hourly" // 24 periods per day
)

var Granularities = []Granularity{Fine, Coarse}

func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "15min", "fine", "quarter_hour", "quarter-hour":
		return Fine, nil
	case "hourly", "coarse", "hour", "60min":
		return Coarse, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

func (g Granularity) Valid() bool {
	return g == Fine || g == Coarse
}

// Minutes is the length of one period.
func (g Granularity) Minutes() int {
	if g == Coarse {
		return 60
	}
	return 15
}

func (g Granularity) PeriodsPerDay() int {
	return 24 * 60 / g.Minutes()
}

// ForecastLength is the number of periods in a full forecast window.
func (g Granularity) ForecastLength() int {
	return ForecastHours * 60 / g.Minutes()
}

func (g Granularity) String() string {
	return string(g)
}
