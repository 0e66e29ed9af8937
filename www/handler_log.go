package www

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/logging"
	"github.com/icodeforyou/southpool-go/slice"
)

type logEntryJSON struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Attrs     string    `json:"attrs,omitempty"`
}

func NewLogHandler(logger *slog.Logger, db Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := intOrDefault(r.URL, "page", 1)
		pageSize := intOrDefault(r.URL, "pageSize", 25)
		minLevel := slog.LevelDebug
		if lvl := r.URL.Query().Get("level"); lvl != "" {
			minLevel = logging.LevelFromString(&lvl)
		}

		e, err := db.GetLogEntries(r.Context(), minLevel, page, pageSize)
		if err != nil {
			logger.Error("handling log request", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, slice.Map(e, func(row database.LogEntryRow) logEntryJSON {
			return logEntryJSON{
				Timestamp: row.Timestamp,
				Level:     slog.Level(row.Level).String(),
				Message:   row.Message,
				Attrs:     row.Attrs,
			}
		}))
	}
}
