package southpool

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/icodeforyou/southpool-go/types/maybe"
	"github.com/shopspring/decimal"
)

const (
	colDeliveryDay   = "delivery day"
	colQuarterHour   = "quarter hour"
	colHour          = "hour"
	colPrice         = "price"
	colTradedVolume  = "traded volume"
	colBaseloadPrice = "baseload price"
	colStatus        = "status"
)

type statusInput struct {
	markerPresent bool
	future        bool
}

// statusTable decides the status of a record from whether upstream marked
// it and whether the period starts after the fetch instant. An unmarked
// period already in progress at the fetch instant is final.
var statusTable = map[statusInput]func(marked types.Status) types.Status{
	{markerPresent: true, future: true}:   func(marked types.Status) types.Status { return marked },
	{markerPresent: true, future: false}:  func(marked types.Status) types.Status { return marked },
	{markerPresent: false, future: true}:  func(types.Status) types.Status { return types.StatusPreliminary },
	{markerPresent: false, future: false}: func(types.Status) types.Status { return types.StatusFinal },
}

func classifyStatus(marker string, start, now time.Time) types.Status {
	marked, ok := types.ParseStatus(marker)
	return statusTable[statusInput{markerPresent: ok, future: start.After(now)}](marked)
}

// readErrorKind separates CSV syntax errors from failures reading the body.
func readErrorKind(err error) ErrorKind {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return KindMalformed
	}
	return KindTransport
}

func periodColumn(g types.Granularity) string {
	if g == types.Coarse {
		return colHour
	}
	return colQuarterHour
}

// parseDataset reads the upstream CSV. Rows that cannot be parsed are
// dropped and logged; the header must carry every required column.
func parseDataset(
	r io.Reader,
	region types.Region,
	g types.Granularity,
	now time.Time,
	logger *slog.Logger) (types.RegionDataset, error) {

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return types.RegionDataset{}, &FetchError{Kind: KindEmpty, Region: region, Granularity: g, Err: errors.New("empty response")}
	}
	if err != nil {
		return types.RegionDataset{}, &FetchError{Kind: readErrorKind(err), Region: region, Granularity: g, Err: fmt.Errorf("reading header: %w", err)}
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, exists := cols[name]; !exists {
			cols[name] = i
		}
	}
	for _, required := range []string{colDeliveryDay, periodColumn(g), colPrice, colTradedVolume} {
		if _, ok := cols[required]; !ok {
			return types.RegionDataset{}, &FetchError{Kind: KindMalformed, Region: region, Granularity: g, Err: fmt.Errorf("missing column %q", required)}
		}
	}

	ds := types.RegionDataset{Region: region, Granularity: g}
	seen := make(map[string]bool)
	line := 1

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			if readErrorKind(err) == KindMalformed {
				ds.Dropped++
				logger.Warn("dropping unreadable record", slog.Int("line", line), slog.Any("error", err))
				continue
			}
			return types.RegionDataset{}, &FetchError{Kind: KindTransport, Region: region, Granularity: g, Err: fmt.Errorf("reading line %d: %w", line, err)}
		}

		rec, err := parseRecord(row, cols, region, g, now)
		if err != nil {
			ds.Dropped++
			logger.Warn("dropping malformed record", slog.Int("line", line), slog.String("reason", err.Error()))
			continue
		}

		key := fmt.Sprintf("%s/%d", rec.Date, rec.Index)
		if seen[key] {
			ds.Dropped++
			logger.Warn("dropping duplicated record", slog.Int("line", line), slog.String("period", key))
			continue
		}
		seen[key] = true
		ds.Records = append(ds.Records, rec)
	}

	if len(ds.Records) == 0 {
		return types.RegionDataset{}, &FetchError{Kind: KindEmpty, Region: region, Granularity: g,
			Err: fmt.Errorf("no valid records, %d dropped", ds.Dropped)}
	}

	slices.SortStableFunc(ds.Records, func(a, b types.PeriodRecord) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	return ds, nil
}

func parseRecord(
	row []string,
	cols map[string]int,
	region types.Region,
	g types.Granularity,
	now time.Time) (types.PeriodRecord, error) {

	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	date := field(colDeliveryDay)
	if len(date) < 10 {
		return types.PeriodRecord{}, fmt.Errorf("invalid delivery day %q", date)
	}
	date = date[:10]

	index, err := strconv.Atoi(field(periodColumn(g)))
	if err != nil {
		return types.PeriodRecord{}, fmt.Errorf("invalid %s %q", periodColumn(g), field(periodColumn(g)))
	}

	start, err := periods.StartOf(date, index, g)
	if err != nil {
		return types.PeriodRecord{}, err
	}

	price, err := parseDecimal(field(colPrice))
	if err != nil {
		return types.PeriodRecord{}, fmt.Errorf("invalid price: %w", err)
	}

	volume, err := parseDecimal(field(colTradedVolume))
	if err != nil {
		return types.PeriodRecord{}, fmt.Errorf("invalid traded volume: %w", err)
	}

	baseload := maybe.None[decimal.Decimal]()
	if raw := field(colBaseloadPrice); raw != "" {
		v, err := parseDecimal(raw)
		if err != nil {
			return types.PeriodRecord{}, fmt.Errorf("invalid baseload price: %w", err)
		}
		baseload = maybe.Some(v)
	}

	return types.PeriodRecord{
		Region:        region,
		Granularity:   g,
		Date:          date,
		Index:         index,
		Timestamp:     start,
		Price:         price,
		BaseloadPrice: baseload,
		TradedVolume:  volume,
		Status:        classifyStatus(field(colStatus), start, now),
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errors.New("missing value")
	}
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	return decimal.NewFromString(s)
}
