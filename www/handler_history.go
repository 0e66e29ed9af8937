package www

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/icodeforyou/southpool-go/periods"
	"github.com/icodeforyou/southpool-go/types"
)

const maxHistoryHours = 24 * 31

// NewHistoryHandler returns stored records from ?hours=N (default 24) back
// until the end of the stored data.
func NewHistoryHandler(logger *slog.Logger, db Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region, g, ok := regionAndGranularity(w, r)
		if !ok {
			return
		}

		hours := intOrDefault(r.URL, "hours", 24)
		if hours < 0 || hours > maxHistoryHours {
			writeError(w, http.StatusBadRequest, "hours must be between 0 and 744")
			return
		}
		from := periods.Current(time.Now(), g).Start.Add(-time.Duration(hours) * time.Hour)

		records, err := db.GetRecordsFrom(r.Context(), region, g, from)
		if err != nil {
			logger.Error("handling history request", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if records == nil {
			records = []types.PeriodRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}
