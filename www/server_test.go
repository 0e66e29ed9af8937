package www

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/config"
	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/publish"
	"github.com/icodeforyou/southpool-go/task"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/icodeforyou/southpool-go/types/maybe"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cet = time.FixedZone("CET", 3600)

type fakeStore struct {
	from    time.Time
	records []types.PeriodRecord
	fetches []database.FetchLogRow
	logs    []database.LogEntryRow
	level   slog.Level
	err     error
}

func (s *fakeStore) GetRecordsFrom(_ context.Context, _ types.Region, _ types.Granularity, from time.Time) ([]types.PeriodRecord, error) {
	s.from = from
	return s.records, s.err
}

func (s *fakeStore) GetFetches(_ context.Context, limit int) ([]database.FetchLogRow, error) {
	if limit < len(s.fetches) {
		return s.fetches[:limit], s.err
	}
	return s.fetches, s.err
}

func (s *fakeStore) GetLogEntries(_ context.Context, minLvl slog.Level, _, _ int) ([]database.LogEntryRow, error) {
	s.level = minLvl
	return s.logs, s.err
}

type fakeTrigger struct {
	fetched   []types.Region
	published []types.Region
	err       error
}

func (t *fakeTrigger) TriggerFetch(region types.Region) error {
	t.fetched = append(t.fetched, region)
	return t.err
}

func (t *fakeTrigger) TriggerPublish(region types.Region) error {
	t.published = append(t.published, region)
	return t.err
}

func record(index int) types.PeriodRecord {
	start := time.Date(2026, 10, 18, index-1, 0, 0, 0, cet)
	return types.PeriodRecord{
		Region:       "HU",
		Granularity:  types.Coarse,
		Date:         "2026-10-18",
		Index:        index,
		Timestamp:    start,
		Price:        decimal.RequireFromString("101.5"),
		TradedVolume: decimal.NewFromInt(1200),
		Status:       types.StatusFinal,
	}
}

func publishedValue(region types.Region) types.PublishedValue {
	r := record(11)
	return types.PublishedValue{
		Region:      region,
		Granularity: types.Coarse,
		Freshness:   types.FreshnessFresh,
		PeriodIndex: 11,
		PeriodStart: r.Timestamp,
		Current:     maybe.Some(r),
		Forecast:    []types.PeriodRecord{r, record(12)},
		FetchedAt:   maybe.Some(r.Timestamp),
		UpdatedAt:   r.Timestamp.Add(7 * time.Minute),
	}
}

type testServer struct {
	*httptest.Server
	store   *fakeStore
	trigger *fakeTrigger
	latest  *publish.Latest
	cached  *cache.Cache
	hub     *Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ts := &testServer{
		store:   &fakeStore{},
		trigger: &fakeTrigger{},
		latest:  publish.NewLatest(),
		cached:  cache.New(),
		hub:     NewHub(slog.Default()),
	}
	go ts.hub.Run(ctx)

	s := NewServer(config.AppConfigApi{}, ts.store, ts.latest, ts.cached, ts.trigger, ts.hub, SysInfo{
		Version:       "1.2.3",
		StartedAt:     time.Now().Add(-time.Hour),
		Regions:       []types.Region{"HU"},
		Granularities: types.Granularities,
	})
	ts.Server = httptest.NewServer(s.Handler())
	t.Cleanup(ts.Server.Close)
	return ts
}

func (ts *testServer) getJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestValues(t *testing.T) {
	ts := newTestServer(t)

	var empty []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/values", &empty))
	assert.Empty(t, empty)

	require.NoError(t, ts.latest.Publish(context.Background(), publishedValue("HU")))
	require.NoError(t, ts.latest.Publish(context.Background(), publishedValue("RS")))

	var all []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/values", &all))
	require.Len(t, all, 2)
	assert.Equal(t, "HU", all[0]["region"])

	var one map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/values/hu/hourly", &one))
	assert.Equal(t, "101.5", fmt.Sprint(one["price"]))
	assert.Equal(t, "2026-10-18T10:00:00+01:00", one["timestamp"])
	assert.Equal(t, float64(11), one["period_index"])
	assert.Equal(t, float64(2), one["forecast_count"])
	assert.Nil(t, one["baseload_price"])

	var missing map[string]string
	assert.Equal(t, http.StatusNotFound, ts.getJSON(t, "/api/values/SI/hourly", &missing))
	assert.Contains(t, missing["error"], "SI/hourly")

	var bad map[string]string
	assert.Equal(t, http.StatusBadRequest, ts.getJSON(t, "/api/values/XX/hourly", &bad))
	assert.Equal(t, http.StatusBadRequest, ts.getJSON(t, "/api/values/HU/daily", &bad))
}

func TestCache(t *testing.T) {
	ts := newTestServer(t)

	var empty []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/cache", &empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	fetchedAt := time.Now().Add(-10 * time.Minute)
	ts.cached.Put("RS", types.Coarse, types.RegionDataset{
		Region:      "RS",
		Granularity: types.Coarse,
		Records:     []types.PeriodRecord{record(1), record(2), record(3)},
		Dropped:     1,
	}, fetchedAt)
	ts.cached.Put("HU", types.Fine, types.RegionDataset{Region: "HU", Granularity: types.Fine}, fetchedAt)

	var entries []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/cache", &entries))
	require.Len(t, entries, 2)

	assert.Equal(t, "HU", entries[0]["region"])
	assert.Equal(t, "Hungary", entries[0]["region_label"])
	assert.Nil(t, entries[0]["coverage_from"])

	rs := entries[1]
	assert.Equal(t, "Serbia", rs["region_label"])
	assert.Equal(t, "hourly", rs["granularity"])
	assert.Equal(t, float64(3), rs["records"])
	assert.Equal(t, float64(1), rs["dropped"])
	assert.InDelta(t, 600, rs["age_seconds"], 5)
	assert.Equal(t, "2026-10-18T00:00:00+01:00", rs["coverage_from"])
	assert.Equal(t, "2026-10-18T02:00:00+01:00", rs["coverage_to"])
	assert.NotEqual(t, rs["current_period"], rs["next_period"])
}

func TestTrigger(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/fetch/hu", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []types.Region{"HU"}, ts.trigger.fetched)

	resp, err = http.Post(ts.URL+"/api/publish/RS", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []types.Region{"RS"}, ts.trigger.published)

	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: SI", task.ErrUnknownRegion), http.StatusNotFound},
		{task.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		ts.trigger.err = tt.err
		resp, err := http.Post(ts.URL+"/api/fetch/SI", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.status, resp.StatusCode, tt.err.Error())
	}

	resp, err = http.Post(ts.URL+"/api/fetch/XX", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/fetch/HU")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.store.records = []types.PeriodRecord{record(1), record(2)}

	var records []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/history/HU/hourly?hours=6", &records))
	require.Len(t, records, 2)
	assert.Equal(t, "2026-10-18T01:00:00+01:00", records[1]["timestamp"])
	assert.Equal(t, 0, ts.store.from.Minute())
	assert.WithinDuration(t, time.Now().Add(-6*time.Hour), ts.store.from, time.Hour)

	ts.store.records = nil
	var empty []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/history/HU/15min", &empty))
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	var bad map[string]string
	assert.Equal(t, http.StatusBadRequest, ts.getJSON(t, "/api/history/HU/hourly?hours=10000", &bad))

	ts.store.err = errors.New("database is locked")
	assert.Equal(t, http.StatusInternalServerError, ts.getJSON(t, "/api/history/HU/hourly", &bad))
	assert.Equal(t, "database is locked", bad["error"])
}

func TestFetchesAndLog(t *testing.T) {
	ts := newTestServer(t)
	ts.store.fetches = []database.FetchLogRow{
		{RunID: "b", Region: "HU", Granularity: types.Fine, Duration: 1500 * time.Millisecond, Outcome: database.FetchFailed, Error: "timeout"},
		{RunID: "a", Region: "HU", Granularity: types.Fine, Duration: time.Second, Outcome: database.FetchSucceeded, Records: 288},
	}
	ts.store.logs = []database.LogEntryRow{
		{Timestamp: time.Now(), Level: int(slog.LevelWarn), Message: "stale market data", Attrs: "region=HU"},
	}

	var fetches []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/fetches?limit=1", &fetches))
	require.Len(t, fetches, 1)
	assert.Equal(t, "b", fetches[0]["run_id"])
	assert.Equal(t, float64(1500), fetches[0]["duration_ms"])
	assert.Equal(t, "failure", fetches[0]["outcome"])
	assert.Equal(t, "timeout", fetches[0]["error"])

	var logs []map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/log?level=warn", &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "WARN", logs[0]["level"])
	assert.Equal(t, slog.LevelWarn, ts.store.level)

	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/log", &logs))
	assert.Equal(t, slog.LevelDebug, ts.store.level)
}

func TestSysInfo(t *testing.T) {
	ts := newTestServer(t)

	var info map[string]any
	assert.Equal(t, http.StatusOK, ts.getJSON(t, "/api/info", &info))
	assert.Equal(t, "1.2.3", info["version"])
	assert.Equal(t, []any{"HU"}, info["regions"])
	assert.True(t, strings.HasPrefix(info["uptime"].(string), "1h"))
	assert.Equal(t, float64(0), info["websocket_clients"])
}

func TestWebsocketReceivesPublishedValues(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, publish.Fanout{ts.latest, ts.hub}.Publish(ctx, publishedValue("SI")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var v map[string]any
	require.NoError(t, json.Unmarshal(msg, &v))
	assert.Equal(t, "SI", v["region"])
	assert.Equal(t, "fresh", v["freshness"])

	conn.Close()
	assert.Eventually(t, func() bool { return ts.hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubStops(t *testing.T) {
	hub := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	// A stopped hub drops values instead of blocking the publisher.
	assert.NoError(t, hub.Publish(context.Background(), publishedValue("HU")))
	assert.False(t, hub.Register(&Client{}))
}
