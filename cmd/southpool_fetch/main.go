// Command southpool_fetch downloads one region and granularity once and
// prints the aligned records. It never touches the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/icodeforyou/southpool-go/forecast"
	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/slice"
	"github.com/icodeforyou/southpool-go/southpool"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/lmittmann/tint"
)

func main() {
	regionFlag := flag.String("region", "HU", "region code: HU, RS or SI")
	granularityFlag := flag.String("granularity", "hourly", "granularity: 15min or hourly")
	baseURL := flag.String("base-url", southpool.DefaultBaseURL, "market data base url")
	timeout := flag.Duration("timeout", southpool.DefaultTimeout, "request timeout")
	period := flag.Int("period", 0, "print only this period index of today")
	window := flag.Bool("forecast", false, "print the forecast window from the current period")
	asJSON := flag.Bool("json", false, "print records as json")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339Nano,
	})))

	if err := run(*regionFlag, *granularityFlag, *baseURL, *timeout, *period, *window, *asJSON); err != nil {
		slog.Error("fetch failed", slog.Any("error", err), slog.String("kind", string(southpool.KindOf(err))))
		os.Exit(1)
	}
}

func run(regionStr, granularityStr, baseURL string, timeout time.Duration, period int, window, asJSON bool) error {
	region, err := types.ParseRegion(regionStr)
	if err != nil {
		return err
	}
	g, err := types.ParseGranularity(granularityStr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	now := time.Now()
	client := southpool.New(southpool.WithBaseURL(baseURL), southpool.WithTimeout(timeout))
	ds, err := client.Fetch(ctx, region, g, now)
	if err != nil {
		return err
	}
	from, to := ds.Coverage()
	slog.Info("fetched",
		slog.Int("records", len(ds.Records)),
		slog.Int("dropped", ds.Dropped),
		slog.String("from", periods.FormatCET(from)),
		slog.String("to", periods.FormatCET(to)),
		slog.String("nextPeriodAt", periods.FormatCET(periods.NextBoundary(now, time.Duration(g.Minutes())*time.Minute))))

	records := ds.Records
	switch {
	case period > 0:
		today := periods.Today(now)
		r, ok := slice.Find(ds.Records, func(r types.PeriodRecord) bool {
			return r.Date == today && r.Index == period
		})
		if !ok {
			return fmt.Errorf("period %d of %s not in response", period, today)
		}
		records = []types.PeriodRecord{r}
	case window:
		records = forecast.Build(ds.Records, periods.Current(now, g).Start, g)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printTable(records)
}

func printTable(records []types.PeriodRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "start\tday\t#\tprice\tbaseload\tvolume\tstatus\t")
	for _, r := range records {
		baseload := "-"
		if r.BaseloadPrice.IsValid() {
			baseload = r.BaseloadPrice.Value().StringFixed(2)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t\n",
			r.Timestamp.Format("15:04"),
			r.Date,
			r.Index,
			r.Price.StringFixed(2),
			baseload,
			r.TradedVolume.StringFixed(1),
			r.Status)
	}
	return w.Flush()
}
