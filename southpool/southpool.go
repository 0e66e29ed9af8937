// Package southpool fetches day-ahead trading data from the HUPX labs CSV API.
package southpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://labs.hupx.hu/csv/v1"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 2 // requests per second

	// Three delivery days of quarter-hour rows stay well below 1 MiB.
	DefaultMaxBodyBytes = 16 << 20
)

// Client implements types.MarketDataProvider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	maxBody    int64
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit caps outbound requests across all regions.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		if requestsPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
		}
	}
}

// WithMaxBodyBytes bounds the response size; a larger body fails the fetch.
func WithMaxBodyBytes(n int64) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:     slog.Default().With("module", "southpool"),
		maxBody:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func endpoint(g types.Granularity) string {
	if g == types.Coarse {
		return "dam_aggregated_trading_data/csv"
	}
	return "dam_aggregated_trading_data_15min/csv"
}

// RequestURL covers the CET delivery days today through today+2, which
// always spans at least 48 hours from the current period.
func (c *Client) RequestURL(region types.Region, g types.Granularity, now time.Time) string {
	today := periods.Today(now)
	filter := fmt.Sprintf("DeliveryDay__gte__%s,DeliveryDay__lte__%s,Region__in__%s",
		today, periods.AddDays(today, 2), region)
	return fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint(g), url.Values{"filter": {filter}}.Encode())
}

// Fetch performs exactly one retrieval. It never retries and never returns
// a partial dataset together with an error.
func (c *Client) Fetch(ctx context.Context, region types.Region, g types.Granularity, now time.Time) (types.RegionDataset, error) {
	logger := c.logger.With(slog.String("region", string(region)), slog.String("granularity", g.String()))

	if err := c.limiter.Wait(ctx); err != nil {
		return types.RegionDataset{}, &FetchError{Kind: KindTransport, Region: region, Granularity: g, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	u := c.RequestURL(region, g, now)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.RegionDataset{}, &FetchError{Kind: KindTransport, Region: region, Granularity: g, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "text/csv")

	logger.Debug("fetching market data", slog.String("url", u))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.RegionDataset{}, &FetchError{Kind: KindTransport, Region: region, Granularity: g, Err: fmt.Errorf("failed to fetch market data: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.RegionDataset{}, &FetchError{Kind: KindTransport, Region: region, Granularity: g, StatusCode: resp.StatusCode,
			Err: errors.New("unexpected status code")}
	}

	body := &cappedReader{r: resp.Body, remaining: c.maxBody}
	ds, err := parseDataset(body, region, g, now, logger)
	if body.exceeded {
		return types.RegionDataset{}, &FetchError{Kind: KindMalformed, Region: region, Granularity: g,
			Err: fmt.Errorf("response body exceeds %d bytes", c.maxBody)}
	}
	if err != nil {
		// A body cut short by the client timeout is a transport failure.
		if ctx.Err() != nil {
			return types.RegionDataset{}, &FetchError{Kind: KindTransport, Region: region, Granularity: g, Err: ctx.Err()}
		}
		return types.RegionDataset{}, err
	}

	if ds.Dropped > 0 {
		logger.Warn("partial parse, records dropped",
			slog.Int("dropped", ds.Dropped),
			slog.Int("accepted", len(ds.Records)))
	}

	from, to := ds.Coverage()
	logger.Debug("market data fetched",
		slog.Int("records", len(ds.Records)),
		slog.String("from", periods.FormatCET(from)),
		slog.String("to", periods.FormatCET(to)))

	return ds, nil
}

var errBodyTooLarge = errors.New("response body too large")

// cappedReader fails once more than remaining bytes are read, so an
// oversized body is never parsed as if it had ended.
type cappedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.exceeded {
		return 0, errBodyTooLarge
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	if int64(n) > c.remaining {
		c.exceeded = true
		return int(c.remaining), errBodyTooLarge
	}
	c.remaining -= int64(n)
	return n, err
}
