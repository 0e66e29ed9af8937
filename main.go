package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/icodeforyou/southpool-go/cache"
	"github.com/icodeforyou/southpool-go/config"
	"github.com/icodeforyou/southpool-go/database"
	"github.com/icodeforyou/southpool-go/logging"
	"github.com/icodeforyou/southpool-go/publish"
	"github.com/icodeforyou/southpool-go/southpool"
	"github.com/icodeforyou/southpool-go/task"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/icodeforyou/southpool-go/www"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var Version = "?.?.?"

func main() {
	defer func() {
		if err := recover(); err != nil {
			exitWithError(slog.Default(), fmt.Errorf("application panicked: %v", err))
		} else {
			slog.Default().Info("application is shutting down...")
		}
	}()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cnfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consoleLevel := new(slog.LevelVar)
	consoleLevel.Set(cnfg.Logging.GetConsoleLevel())
	dbLevel := new(slog.LevelVar)
	dbLevel.Set(cnfg.Logging.GetDbLevel())

	consoleHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: time.RFC3339,
	})
	slog.New(consoleHandler).Debug("southpool is starting...", slog.String("version", Version))

	db, err := database.New(ctx, cnfg.Database.Path, database.WithBackupDir(cnfg.Database.GetBackupDir()))
	if err != nil {
		panic(fmt.Sprintf("failed to connect to database: %v", err))
	}
	defer db.Close()

	logger := slog.New(logging.NewMultiHandler(
		consoleHandler,
		logging.NewSQLiteHandler(db, dbLevel, cnfg.Logging.GetDbAttrsFormat())))
	slog.SetDefault(logger)

	// Now we can use the logger to log database operations into the database itself
	db.SetLogger(logger.With("module", "database"))

	config.Watch(func(c *config.AppConfig) {
		consoleLevel.Set(c.Logging.GetConsoleLevel())
		dbLevel.Set(c.Logging.GetDbLevel())
		logger.Info("log levels reloaded",
			slog.String("console", consoleLevel.Level().String()),
			slog.String("db", dbLevel.Level().String()))
	})

	provider := southpool.New(
		southpool.WithBaseURL(cnfg.Southpool.GetBaseURL()),
		southpool.WithTimeout(cnfg.Southpool.GetTimeout()),
		southpool.WithRateLimit(cnfg.Southpool.GetRequestsPerSecond()))

	latest := publish.NewLatest()
	hub := www.NewHub(logger.With("module", "websocket"))
	publishers := publish.Fanout{latest, hub, publish.PublisherFunc(func(ctx context.Context, v types.PublishedValue) error {
		logger.DebugContext(ctx, "value published",
			slog.String("region", string(v.Region)),
			slog.String("granularity", v.Granularity.String()),
			slog.String("freshness", string(v.Freshness)),
			slog.Int("forecast", v.ForecastCount()))
		return nil
	})}

	if cnfg.Mqtt.Enabled {
		if isDevMode() {
			logger.Info("dev mode, skipping mqtt connection")
		} else {
			mqtt := publish.NewMQTT(publish.MqttOptions{
				Host:        cnfg.Mqtt.Host,
				Port:        cnfg.Mqtt.Port,
				Username:    cnfg.Mqtt.Username,
				Password:    cnfg.Mqtt.Password,
				TopicPrefix: cnfg.Mqtt.GetTopicPrefix(),
				Retain:      cnfg.Mqtt.GetRetain(),
			})
			if err := mqtt.Connect(); err != nil {
				panic(fmt.Sprintf("mqtt connection error: %v", err))
			}
			defer mqtt.Disconnect()
			publishers = append(publishers, mqtt)
		}
	}

	scheduler := task.NewScheduler(cache.New(), provider, publishers, task.Options{
		Regions:       cnfg.Southpool.GetRegions(),
		Granularities: cnfg.Southpool.GetGranularities(),
		PublishAt:     cnfg.Schedule.GetPublishAt(),
		FetchAt:       cnfg.Schedule.GetFetchAt(),
		FetchTimeout:  cnfg.Southpool.GetTimeout(),
		StaleAfter:    cnfg.Schedule.GetStaleAfter(),
	}, task.WithHistory(db))

	maintenance := task.NewMaintenanceTask(logger.With("module", "maintenance"), db, cnfg, time.Now)
	if err := scheduler.AddTask(cnfg.Schedule.GetMaintenanceAt(), maintenance); err != nil {
		panic(err.Error())
	}

	server := www.NewServer(cnfg.Api, db, latest, scheduler.Cache(), scheduler, hub, www.SysInfo{
		Version:       Version,
		StartedAt:     time.Now(),
		Regions:       scheduler.Regions(),
		Granularities: scheduler.Granularities(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		if isDevMode() {
			logger.Info("dev mode, skipping task scheduling")
			return nil
		}
		if err := scheduler.Start(); err != nil && !errors.Is(err, task.ErrStopped) {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		<-gctx.Done()
		return nil
	})

	<-gctx.Done()
	logger.Info("stopping...", slog.Any("cause", context.Cause(gctx)))
	scheduler.Stop()

	if err := g.Wait(); err != nil {
		exitWithError(logger, err)
	}
}

func isDevMode() bool {
	return strings.EqualFold(os.Getenv("APP_ENV"), "development")
}

func exitWithError(logger *slog.Logger, err error) {
	if err != nil {
		logger.Error("application shutting down with error", slog.Any("error", err))
	}
	if syncer, ok := logger.Handler().(interface{ Sync() error }); ok {
		if syncErr := syncer.Sync(); syncErr != nil {
			logger.Error("failed to flush logger", slog.Any("error", syncErr))
		}
	}

	time.Sleep(2 * time.Second)
	os.Exit(1)
}
