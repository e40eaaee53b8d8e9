// Package config loads the loader daemon's configuration from a YAML
// file — spec.md §6's HOCON block, expressed in the one structured
// config format the retrieval pack actually carries a library for — and
// validates it the way the teacher's own config.Load validated its
// environment-derived settings: typed fields, explicit defaults, and an
// error a caller can act on rather than a panic.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
)

// TargetKind is the closed set of warehouse dialects the loader can
// drive, matching internal/target's three statement.Target
// implementations.
type TargetKind string

const (
	TargetRedshift   TargetKind = "redshift"
	TargetSnowflake  TargetKind = "snowflake"
	TargetDatabricks TargetKind = "databricks"
)

// Target bounds one warehouse connection and the table names the loader
// writes to.
type Target struct {
	Type            TargetKind `yaml:"type"`
	DSN             string     `yaml:"dsn"`
	Schema          string     `yaml:"schema"`
	Warehouse       string     `yaml:"warehouse"` // Snowflake only
	Stage           string     `yaml:"stage"`     // Snowflake only
	Catalog         string     `yaml:"catalog"`   // Databricks only
	EventsTable     string     `yaml:"eventsTable"`
	ManifestTable   string     `yaml:"manifestTable"`
	UseTransitTable bool       `yaml:"useTransitTable"` // Redshift only
}

// Storage names the prefix the shredder writes completed batches under.
type Storage struct {
	ShredderOutput string `yaml:"shredderOutput"`
}

// ObjectStore bounds the S3-compatible endpoint the folder monitor lists
// against (spec.md §1: credential resolution is out of scope, so these
// are already-resolved values, not a provider chain).
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	Region    string `yaml:"region"`
}

// QueueKind is the closed set of message-queue backends the loader can
// receive notifications through.
type QueueKind string

const (
	QueueRedis QueueKind = "redis"
)

// Queue bounds the main notification queue's connection and visibility
// defaults.
type Queue struct {
	Type              QueueKind     `yaml:"type"`
	Name              string        `yaml:"name"`
	RedisAddr         string        `yaml:"redisAddr"`
	RedisPassword     string        `yaml:"redisPassword"`
	RedisDB           int           `yaml:"redisDB"`
	DefaultVisibility time.Duration `yaml:"defaultVisibility"`
}

// RetryQueue mirrors the source loader's retryQueue{period, size,
// interval, maxAttempts} block (spec.md §6).
type RetryQueue struct {
	Period      time.Duration `yaml:"period"`
	Size        int           `yaml:"size"`
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"maxAttempts"`
}

// ReadyCheck bounds the pre-flight poll the load state machine runs
// before MigrationBuild (spec.md §4.6).
type ReadyCheck struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Retry bounds the transactional portion's backoff schedule (spec.md
// §4.4).
type Retry struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxAttempts     int           `yaml:"maxAttempts"`
}

// NoOpSchedule pauses the discovery loop across a recurring window.
type NoOpSchedule struct {
	StartCron string `yaml:"startCron"`
	StopCron  string `yaml:"stopCron"`
}

// Schedules bounds the two cron-driven streams (spec.md §4.7, §4.8).
type Schedules struct {
	NoOperation       *NoOpSchedule `yaml:"noOperation"`
	FolderMonitorCron string        `yaml:"folderMonitorCron"`
}

// FolderMonitor bounds C8's lookback window and alert threshold. Since,
// when set, fixes the listing's cutoff to an absolute instant instead of
// a relative lookback from tick time (spec.md §9: the source's folders
// `since?` key is under-specified between the two conventions — this
// loader supports both, defaulting to the relative window).
type FolderMonitor struct {
	Lookback   time.Duration `yaml:"lookback"`
	SinceAlert time.Duration `yaml:"sinceAlert"`
	Since      *time.Time    `yaml:"since"`
}

// Auth carries the already-resolved credential clause Target embeds in
// its COPY statements (spec.md §1: credential resolution itself is out
// of scope).
type Auth struct {
	CredentialClause string `yaml:"credentialClause"`
}

// Config is the full loader daemon configuration, loaded once at
// startup and never mutated afterward.
type Config struct {
	Region              string        `yaml:"region"`
	LogLevel            string        `yaml:"logLevel"`
	Target              Target        `yaml:"target"`
	Storage             Storage       `yaml:"storage"`
	ObjectStore         ObjectStore   `yaml:"objectStore"`
	Queue               Queue         `yaml:"queue"`
	RetryQueue          RetryQueue    `yaml:"retryQueue"`
	ReadyCheck          ReadyCheck    `yaml:"readyCheck"`
	Retry               Retry         `yaml:"retry"`
	Schedules           Schedules     `yaml:"schedules"`
	FolderMonitor       FolderMonitor `yaml:"folderMonitor"`
	Auth                Auth          `yaml:"auth"`
	VisibilityExtend    time.Duration `yaml:"visibilityExtend"`
	InitialEventColumns []string      `yaml:"initialEventColumns"` // Databricks only
}

var validRegions = map[string]bool{
	"us-east-1": true, "us-east-2": true, "us-west-1": true, "us-west-2": true,
	"eu-west-1": true, "eu-central-1": true, "ap-northeast-1": true,
}

// Load reads path, validates it, and fills in every unset duration/count
// with the loader's defaults. A validation failure is always a
// loaderr.Configuration error (spec.md §7: exit code 2).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.Configuration, "read config file", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, loaderr.Wrap(loaderr.Configuration, "parse config file", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Region == "" {
		return loaderr.New(loaderr.Configuration, "region is required")
	}
	if !validRegions[c.Region] {
		return loaderr.New(loaderr.Configuration, fmt.Sprintf("unknown region %q", c.Region))
	}
	switch c.Target.Type {
	case TargetRedshift, TargetSnowflake, TargetDatabricks:
	default:
		return loaderr.New(loaderr.Configuration, fmt.Sprintf("unknown target type %q", c.Target.Type))
	}
	if c.Target.DSN == "" {
		return loaderr.New(loaderr.Configuration, "target.dsn is required")
	}
	if c.Target.EventsTable == "" {
		return loaderr.New(loaderr.Configuration, "target.eventsTable is required")
	}
	if c.Storage.ShredderOutput == "" {
		return loaderr.New(loaderr.Configuration, "storage.shredderOutput is required")
	}
	switch c.Queue.Type {
	case QueueRedis:
		if c.Queue.RedisAddr == "" {
			return loaderr.New(loaderr.Configuration, "queue.redisAddr is required")
		}
	default:
		return loaderr.New(loaderr.Configuration, fmt.Sprintf("unknown queue type %q", c.Queue.Type))
	}
	if c.ObjectStore.Bucket == "" {
		return loaderr.New(loaderr.Configuration, "objectStore.bucket is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Target.ManifestTable == "" {
		c.Target.ManifestTable = "manifest"
	}
	if c.Queue.DefaultVisibility <= 0 {
		c.Queue.DefaultVisibility = 5 * time.Minute
	}
	if c.ReadyCheck.Interval <= 0 {
		c.ReadyCheck.Interval = 5 * time.Second
	}
	if c.ReadyCheck.Timeout <= 0 {
		c.ReadyCheck.Timeout = 5 * time.Minute
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 30 * time.Second
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 30 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 10
	}
	if c.FolderMonitor.Lookback <= 0 {
		c.FolderMonitor.Lookback = 24 * time.Hour
	}
	if c.FolderMonitor.SinceAlert <= 0 {
		c.FolderMonitor.SinceAlert = time.Hour
	}
	if c.VisibilityExtend <= 0 {
		c.VisibilityExtend = c.Queue.DefaultVisibility / 2
	}
}

// IgluConfig is the separate resolver file spec.md §6 names alongside
// the main config — the Iglu schema registry's repository list. Only
// the first repository is used; the full cache-fallback resolution
// chain is the registry client's own concern, out of scope here (spec.md
// §1).
type IgluConfig struct {
	Repositories []IgluRepository `yaml:"repositories"`
}

type IgluRepository struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	URL      string `yaml:"url"`
}

// LoadIglu reads and validates the Iglu resolver file at path.
func LoadIglu(path string) (*IgluConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loaderr.Wrap(loaderr.Configuration, "read iglu config file", err)
	}
	var cfg IgluConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, loaderr.Wrap(loaderr.Configuration, "parse iglu config file", err)
	}
	if len(cfg.Repositories) == 0 {
		return nil, loaderr.New(loaderr.Configuration, "iglu config must list at least one repository")
	}
	for _, repo := range cfg.Repositories {
		if repo.URL == "" {
			return nil, loaderr.New(loaderr.Configuration, fmt.Sprintf("iglu repository %q has no url", repo.Name))
		}
	}
	return &cfg, nil
}
