package www

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/icodeforyou/southpool-go/config"
	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/types"
)

type Store interface {
	GetRecordsFrom(ctx context.Context, region types.Region, g types.Granularity, from time.Time) ([]types.PeriodRecord, error)
	GetFetches(ctx context.Context, limit int) ([]database.FetchLogRow, error)
	GetLogEntries(ctx context.Context, minLvl slog.Level, page, pageSize int) ([]database.LogEntryRow, error)
}

type Values interface {
	All() []types.PublishedValue
	Get(region types.Region, g types.Granularity) (types.PublishedValue, bool)
}

type Trigger interface {
	TriggerFetch(region types.Region) error
	TriggerPublish(region types.Region) error
}

type Server struct {
	logger *slog.Logger
	config config.AppConfigApi
	mux    *http.ServeMux
	hub    *Hub
}

func NewServer(
	config config.AppConfigApi,
	db Store,
	values Values,
	cached CacheView,
	trigger Trigger,
	hub *Hub,
	sysInfo SysInfo) *Server {

	logger := slog.Default().With("module", "www")
	s := &Server{
		logger: logger,
		config: config,
		mux:    http.NewServeMux(),
		hub:    hub,
	}

	handlerLogger := func(name string) *slog.Logger {
		return logger.With(slog.String("handler", name))
	}

	s.mux.Handle("GET /api/values", NewValuesHandler(values))
	s.mux.Handle("GET /api/values/{region}/{granularity}", NewValueHandler(values))
	s.mux.Handle("GET /api/cache", NewCacheHandler(cached))
	s.mux.Handle("POST /api/fetch/{region}", NewTriggerHandler(handlerLogger("fetch"), trigger.TriggerFetch))
	s.mux.Handle("POST /api/publish/{region}", NewTriggerHandler(handlerLogger("publish"), trigger.TriggerPublish))
	s.mux.Handle("GET /api/history/{region}/{granularity}", NewHistoryHandler(handlerLogger("history"), db))
	s.mux.Handle("GET /api/fetches", NewFetchesHandler(handlerLogger("fetches"), db))
	s.mux.Handle("GET /api/log", NewLogHandler(handlerLogger("log"), db))
	s.mux.Handle("GET /api/info", NewSysInfoHandler(sysInfo, hub.ClientCount))
	s.mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		name := r.Header.Get("User-Agent")
		client, err := NewClient(s.hub, w, r, name)
		if err != nil {
			s.logger.Error("new websocket client failed", slog.Any("error", err))
			return
		}
		if !s.hub.Register(client) {
			client.conn.Close()
			return
		}
		go client.WritePump()
		go client.ReadPump()
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()),
			slog.String("remoteAddr", r.RemoteAddr))
		s.mux.ServeHTTP(w, r)
	})
}

// Run serves HTTP until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting server...", "port", s.config.Port)
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.config.Address, s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErrors := make(chan error, 1)

	go func() {
		srvErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-srvErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second*5)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	}
}
