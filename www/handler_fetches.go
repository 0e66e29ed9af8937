package www

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/slice"
	"github.com/icodeforyou/southpool-go/types"
)

type fetchJSON struct {
	RunID       string            `json:"run_id"`
	Region      types.Region      `json:"region"`
	Granularity types.Granularity `json:"granularity"`
	StartedAt   time.Time         `json:"started_at"`
	DurationMs  int64             `json:"duration_ms"`
	Outcome     string            `json:"outcome"`
	Records     int               `json:"records"`
	Dropped     int               `json:"dropped"`
	Error       string            `json:"error,omitempty"`
}

func NewFetchesHandler(logger *slog.Logger, db Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := db.GetFetches(r.Context(), intOrDefault(r.URL, "limit", 50))
		if err != nil {
			logger.Error("handling fetches request", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, slice.Map(rows, func(row database.FetchLogRow) fetchJSON {
			return fetchJSON{
				RunID:       row.RunID,
				Region:      row.Region,
				Granularity: row.Granularity,
				StartedAt:   row.StartedAt,
				DurationMs:  row.Duration.Milliseconds(),
				Outcome:     string(row.Outcome),
				Records:     row.Records,
				Dropped:     row.Dropped,
				Error:       row.Error,
			}
		}))
	}
}
