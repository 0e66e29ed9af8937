package www

import (
	"net/http"
	"runtime"
	"time"

	"github.com/icodeforyou/southpool-go/types"
)

type SysInfo struct {
	Version       string              `json:"version"`
	StartedAt     time.Time           `json:"started_at"`
	Regions       []types.Region      `json:"regions"`
	Granularities []types.Granularity `json:"granularities"`
}

func NewSysInfoHandler(sysInfo SysInfo, clients func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			SysInfo
			Uptime           string `json:"uptime"`
			GoVersion        string `json:"go_version"`
			WebsocketClients int    `json:"websocket_clients"`
		}{
			SysInfo:          sysInfo,
			Uptime:           time.Since(sysInfo.StartedAt).Truncate(time.Second).String(),
			GoVersion:        runtime.Version(),
			WebsocketClients: clients(),
		})
	}
}
