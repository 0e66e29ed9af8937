package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/icodeforyou/southpool-go/logging"
	"github.com/icodeforyou/southpool-go/southpool"
	"github.com/icodeforyou/southpool-go/types"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type AppConfigApi struct {
	Address string
	Port    int16
}

type AppConfigDatabase struct {
	Path string
	// How many days data should be stored in database before it gets purged
	DataRetentionDays *int `mapstructure:"data_retention_days"`
	// How many days daily backup files should be stored before they gets deleted
	BackupRetentionDays *int `mapstructure:"backup_retention_days"`
	// Where daily backups are written, default: "backups" next to the database file
	BackupDir string `mapstructure:"backup_dir"`
}

func (d AppConfigDatabase) GetBackupDir() string {
	if d.BackupDir == "" {
		return filepath.Join(filepath.Dir(d.Path), "backups")
	}
	return d.BackupDir
}

func (d AppConfigDatabase) GetDataRetentionDays() int {
	if d.DataRetentionDays == nil {
		return 90
	}
	return *d.DataRetentionDays
}

func (d AppConfigDatabase) GetBackupRetentionDays() int {
	if d.BackupRetentionDays == nil {
		return 90
	}
	return *d.BackupRetentionDays
}

type AppConfigSouthpool struct {
	BaseURL *string `mapstructure:"base_url"`
	// Market regions to follow, e.g. "HU", "RS", "SI"
	Regions []string
	// "15min" and/or "hourly", default: both
	Granularities []string
	// Timeout for a single fetch, default: 30s
	Timeout *time.Duration
	// Outbound request budget shared by all regions, default: 2
	RequestsPerSecond *int `mapstructure:"requests_per_second"`
}

func (s AppConfigSouthpool) GetBaseURL() string {
	if s.BaseURL == nil || *s.BaseURL == "" {
		return southpool.DefaultBaseURL
	}
	return strings.TrimRight(*s.BaseURL, "/")
}

func (s AppConfigSouthpool) GetRegions() []types.Region {
	regions := make([]types.Region, 0, len(s.Regions))
	for _, r := range s.Regions {
		regions = append(regions, types.Region(strings.ToUpper(strings.TrimSpace(r))))
	}
	return regions
}

func (s AppConfigSouthpool) GetGranularities() []types.Granularity {
	if len(s.Granularities) == 0 {
		return slices.Clone(types.Granularities)
	}
	result := make([]types.Granularity, 0, len(s.Granularities))
	for _, raw := range s.Granularities {
		g, err := types.ParseGranularity(raw)
		if err != nil {
			g = types.Granularity(raw) // rejected by Validate
		}
		result = append(result, g)
	}
	return result
}

func (s AppConfigSouthpool) GetTimeout() time.Duration {
	if s.Timeout == nil {
		return southpool.DefaultTimeout
	}
	return *s.Timeout
}

func (s AppConfigSouthpool) GetRequestsPerSecond() int {
	if s.RequestsPerSecond == nil {
		return southpool.DefaultRateLimit
	}
	return *s.RequestsPerSecond
}

// Cron specs are evaluated in CET.
type AppConfigSchedule struct {
	// Default: "0,15,30,45 * * * *"
	PublishAt *string `mapstructure:"publish_at"`
	// Default: "0 * * * *"
	FetchAt *string `mapstructure:"fetch_at"`
	// Default: "30 2 * * *"
	MaintenanceAt *string `mapstructure:"maintenance_at"`
	// Age after which cached data is published as stale, default: 2h
	StaleAfter *time.Duration `mapstructure:"stale_after"`
}

func (s AppConfigSchedule) GetPublishAt() string {
	if s.PublishAt == nil {
		return "0,15,30,45 * * * *"
	}
	return *s.PublishAt
}

func (s AppConfigSchedule) GetFetchAt() string {
	if s.FetchAt == nil {
		return "0 * * * *"
	}
	return *s.FetchAt
}

func (s AppConfigSchedule) GetMaintenanceAt() string {
	if s.MaintenanceAt == nil {
		return "30 2 * * *"
	}
	return *s.MaintenanceAt
}

func (s AppConfigSchedule) GetStaleAfter() time.Duration {
	if s.StaleAfter == nil {
		return 2 * time.Hour
	}
	return *s.StaleAfter
}

type AppConfigMqtt struct {
	Enabled  bool
	Host     string
	Port     int16
	Username string
	Password string
	// Default: "southpool"
	TopicPrefix *string `mapstructure:"topic_prefix"`
	// Default: true
	Retain *bool
}

func (m AppConfigMqtt) GetTopicPrefix() string {
	if m.TopicPrefix == nil || *m.TopicPrefix == "" {
		return "southpool"
	}
	return strings.TrimRight(*m.TopicPrefix, "/")
}

func (m AppConfigMqtt) GetRetain() bool {
	if m.Retain == nil {
		return true
	}
	return *m.Retain
}

type AppConfigLogging struct {
	// Min log level for database : "DEBUG", "INFO", "WARN", "ERROR", default: "INFO"
	DbLevel *string `mapstructure:"db_level"`
	// Log attributes format: "TEXT", "JSON", default: "JSON"
	DbAttrsFormat *string `mapstructure:"db_attrs_format"`
	// Maximum number of log entries in the database, default: 10000
	DbMaxEntries *int `mapstructure:"db_max_entries"`
	// Days a log entry is kept in the database, default: 30
	DbRetentionDays *int `mapstructure:"db_retention_days"`
	// Min log level for database console: "DEBUG", "INFO", "WARN", "ERROR", default: "INFO"
	ConsoleLevel *string `mapstructure:"console_level"`
}

func (l AppConfigLogging) GetDbLevel() slog.Level {
	return logging.LevelFromString(l.DbLevel)
}

func (l AppConfigLogging) GetDbAttrsFormat() logging.LogAttrFormat {
	if l.DbAttrsFormat == nil {
		return logging.LogAttrFormatJSON
	}
	if strings.EqualFold(*l.DbAttrsFormat, "text") {
		return logging.LogAttrFormatText
	}
	return logging.LogAttrFormatJSON
}

func (l AppConfigLogging) GetDbMaxEntries() int {
	if l.DbMaxEntries == nil {
		return 10000
	}
	return *l.DbMaxEntries
}

func (l AppConfigLogging) GetDbRetentionDays() int {
	if l.DbRetentionDays == nil {
		return 30
	}
	return *l.DbRetentionDays
}

func (l AppConfigLogging) GetConsoleLevel() slog.Level {
	return logging.LevelFromString(l.ConsoleLevel)
}

type AppConfig struct {
	Api       AppConfigApi
	Database  AppConfigDatabase
	Southpool AppConfigSouthpool `mapstructure:"southpool"`
	Schedule  AppConfigSchedule  `mapstructure:"schedule"`
	Mqtt      AppConfigMqtt      `mapstructure:"mqtt"`
	Logging   AppConfigLogging   `mapstructure:"logging"`
}

// Validate reports every problem found, not just the first.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if len(c.Southpool.Regions) == 0 {
		errs = append(errs, errors.New("southpool.regions must list at least one region"))
	}
	seen := make(map[types.Region]bool)
	for _, r := range c.Southpool.GetRegions() {
		if _, ok := types.KnownRegions[r]; !ok {
			errs = append(errs, fmt.Errorf("southpool.regions: unknown region %q", r))
		}
		if seen[r] {
			errs = append(errs, fmt.Errorf("southpool.regions: duplicated region %q", r))
		}
		seen[r] = true
	}
	for _, g := range c.Southpool.GetGranularities() {
		if !g.Valid() {
			errs = append(errs, fmt.Errorf("southpool.granularities: unknown granularity %q", g))
		}
	}
	if c.Southpool.GetTimeout() <= 0 {
		errs = append(errs, errors.New("southpool.timeout must be positive"))
	}

	for name, spec := range map[string]string{
		"schedule.publish_at":     c.Schedule.GetPublishAt(),
		"schedule.fetch_at":       c.Schedule.GetFetchAt(),
		"schedule.maintenance_at": c.Schedule.GetMaintenanceAt(),
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Mqtt.Enabled && c.Mqtt.Host == "" {
		errs = append(errs, errors.New("mqtt.host is required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

func Load(path string) (*AppConfig, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.AddConfigPath("config")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	return decode()
}

func decode() (*AppConfig, error) {
	var c AppConfig

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config file: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &c, nil
}

// Watch calls onChange with the reloaded config every time the config file
// is written. Invalid edits are logged and ignored. Must be called after Load.
func Watch(onChange func(*AppConfig)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := decode()
		if err != nil {
			slog.Default().Warn("ignoring config change", slog.String("file", e.Name), slog.Any("error", err))
			return
		}
		slog.Default().Info("config reloaded", slog.String("file", e.Name))
		onChange(c)
	})
	viper.WatchConfig()
}
