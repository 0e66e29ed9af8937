package www

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/icodeforyou/southpool-go/task"
	"github.com/icodeforyou/southpool-go/types"
)

// NewTriggerHandler runs a scheduler tick for the {region} path value in the
// background and answers 202 right away.
func NewTriggerHandler(logger *slog.Logger, run func(types.Region) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region, err := types.ParseRegion(r.PathValue("region"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		err = run(region)
		switch {
		case err == nil:
			logger.Info("task triggered", slog.String("region", string(region)))
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, task.ErrUnknownRegion):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, task.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			logger.Error("handling trigger request", slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}
