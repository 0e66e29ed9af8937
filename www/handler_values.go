package www

import (
	"fmt"
	"net/http"
)

func NewValuesHandler(values Values) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, values.All())
	}
}

func NewValueHandler(values Values) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		region, g, ok := regionAndGranularity(w, r)
		if !ok {
			return
		}
		v, found := values.Get(region, g)
		if !found {
			writeError(w, http.StatusNotFound, fmt.Sprintf("nothing published for %s/%s yet", region, g))
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}
