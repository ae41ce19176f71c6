package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"gitlab.com/gitlab-org/gitlab-geo/internal/geo/site"
	"gitlab.com/gitlab-org/gitlab-geo/internal/log"
)

const (
	// DriverPostgres stores the registry in PostgreSQL.
	DriverPostgres = "postgres"
	// DriverSQLite stores the registry in an embedded SQLite file.
	DriverSQLite = "sqlite"
	// DriverMemory keeps all state in memory. It is lost on restart.
	DriverMemory = "memory"

	minimalPollInterval = 100 * time.Millisecond
)

var (
	errNoListenAddr       = errors.New("listen_addr is not set")
	errNoSecret           = errors.New("auth.secret or auth.secret_file must be set")
	errUnknownDriver      = errors.New("unknown database driver")
	errNoSQLitePath       = errors.New("database.path must be set for the sqlite driver")
	errMemoryEventsDB     = errors.New("events_database can't be combined with the memory driver")
	errNoBlobDir          = errors.New("storage.blob_dir is not set")
	errNoRepositoryDir    = errors.New("storage.repository_dir is not set")
	errInvalidJitter      = errors.New("replication.backoff_jitter must be within [0, 1]")
	errInvalidBackoff     = errors.New("replication.backoff_base must be positive and not above replication.backoff_max")
	errInvalidBatchSize   = errors.New("batch sizes must be >= 1")
	errInvalidWorkers     = errors.New("worker counts must be >= 1")
	errInvalidLFSVersion  = errors.New("redirect.min_lfs_version is not a valid version")
	errPollIntervalTooLow = fmt.Errorf("poll intervals must be at least %s", minimalPollInterval)

	errInvalidReverifyInterval = errors.New("verification.reverify_interval and verification.retry_interval must not be negative")
)

// Site holds the identity of the node and the topology it knows about.
type Site struct {
	Name        string   `toml:"name" envconfig:"name"`
	Role        string   `toml:"role" envconfig:"role"`
	ExternalURL string   `toml:"external_url" envconfig:"external_url"`
	PrimaryName string   `toml:"primary_name" envconfig:"primary_name"`
	PrimaryURL  string   `toml:"primary_url" envconfig:"primary_url"`
	Secondaries []string `toml:"secondaries" envconfig:"secondaries"`
}

// Auth holds the shared secret used to sign site-to-site tokens.
type Auth struct {
	Secret     string `toml:"secret,omitempty" envconfig:"secret"`
	SecretFile string `toml:"secret_file,omitempty" envconfig:"secret_file"`
}

// DB holds the registry store connection settings.
type DB struct {
	Driver      string `toml:"driver,omitempty" envconfig:"driver"`
	Path        string `toml:"path,omitempty" envconfig:"path"`
	Host        string `toml:"host,omitempty" envconfig:"host"`
	Port        int    `toml:"port,omitempty" envconfig:"port"`
	User        string `toml:"user,omitempty" envconfig:"user"`
	Password    string `toml:"password,omitempty" envconfig:"password"`
	DBName      string `toml:"dbname,omitempty" envconfig:"dbname"`
	SSLMode     string `toml:"sslmode,omitempty" envconfig:"sslmode"`
	SSLCert     string `toml:"sslcert,omitempty" envconfig:"sslcert"`
	SSLKey      string `toml:"sslkey,omitempty" envconfig:"sslkey"`
	SSLRootCert string `toml:"sslrootcert,omitempty" envconfig:"sslrootcert"`
}

// Storage holds the site-local content locations.
type Storage struct {
	BlobDir       string `toml:"blob_dir" envconfig:"blob_dir"`
	RepositoryDir string `toml:"repository_dir" envconfig:"repository_dir"`
}

// Replication contains sync orchestrator options.
type Replication struct {
	// BatchSize is how many due registry entries are loaded per pass.
	BatchSize int `toml:"batch_size,omitempty"`
	// Workers is the number of entries synced in parallel.
	Workers int `toml:"workers,omitempty"`
	// PollInterval is the pause between two passes.
	PollInterval Duration `toml:"poll_interval,omitempty"`
	// FetchTimeout bounds a single content fetch. Exceeding it is a
	// transient failure.
	FetchTimeout Duration `toml:"fetch_timeout,omitempty"`
	// MaxProcessingDuration is the age after which a started entry is
	// considered abandoned and reclaimed.
	MaxProcessingDuration Duration `toml:"max_processing_duration,omitempty"`
	BackoffBase           Duration `toml:"backoff_base,omitempty"`
	BackoffMax            Duration `toml:"backoff_max,omitempty"`
	// BackoffJitter is the fraction of the delay added at random, in [0, 1].
	BackoffJitter float64 `toml:"backoff_jitter,omitempty"`
	// StartsPerSecond limits how fast new syncs start. Zero disables the limit.
	StartsPerSecond float64 `toml:"starts_per_second,omitempty"`
	StartsBurst     int     `toml:"starts_burst,omitempty"`
	// BackfillInterval is the pause between two backfill passes. Zero
	// disables backfill.
	BackfillInterval  Duration `toml:"backfill_interval,omitempty"`
	BackfillBatchSize int      `toml:"backfill_batch_size,omitempty"`
}

// DefaultReplicationConfig returns the default values for replication configuration.
func DefaultReplicationConfig() Replication {
	return Replication{
		BatchSize:             100,
		Workers:               4,
		PollInterval:          Duration(5 * time.Second),
		FetchTimeout:          Duration(10 * time.Minute),
		MaxProcessingDuration: Duration(time.Hour),
		BackoffBase:           Duration(time.Minute),
		BackoffMax:            Duration(time.Hour),
		BackoffJitter:         0.1,
		StartsPerSecond:       50,
		StartsBurst:           10,
		BackfillInterval:      Duration(10 * time.Minute),
		BackfillBatchSize:     1000,
	}
}

// Verification contains verification options.
type Verification struct {
	Enabled               bool     `toml:"enabled"`
	BatchSize             int      `toml:"batch_size,omitempty"`
	Workers               int      `toml:"workers,omitempty"`
	Interval              Duration `toml:"interval,omitempty"`
	MaxProcessingDuration Duration `toml:"max_processing_duration,omitempty"`
	// ChecksumBatchSize is how many replicables the primary checksums per pass.
	ChecksumBatchSize int `toml:"checksum_batch_size,omitempty"`
	// ReverifyInterval is the age of a successful verification after which
	// the replica is verified again. 0 disables reverification.
	ReverifyInterval Duration `toml:"reverify_interval,omitempty"`
	// RetryInterval is the age of a failed verification after which it is
	// retried. 0 disables retries.
	RetryInterval Duration `toml:"retry_interval,omitempty"`
}

// DefaultVerificationConfig returns the default values for verification configuration.
func DefaultVerificationConfig() Verification {
	return Verification{
		Enabled:               true,
		BatchSize:             50,
		Workers:               2,
		Interval:              Duration(30 * time.Second),
		MaxProcessingDuration: Duration(8 * time.Hour),
		ChecksumBatchSize:     100,
		ReverifyInterval:      Duration(7 * 24 * time.Hour),
		RetryInterval:         Duration(time.Hour),
	}
}

// Events contains lifecycle event delivery options.
type Events struct {
	BatchSize    int      `toml:"batch_size,omitempty"`
	PollInterval Duration `toml:"poll_interval,omitempty"`
	// StaleAfter is the age of an in_progress event after which it is
	// considered lost and made available again.
	StaleAfter Duration `toml:"stale_after,omitempty"`
}

// DefaultEventsConfig returns the default values for event delivery configuration.
func DefaultEventsConfig() Events {
	return Events{
		BatchSize:    100,
		PollInterval: Duration(time.Second),
		StaleAfter:   Duration(5 * time.Minute),
	}
}

// Redirect contains write-redirect gate options.
type Redirect struct {
	// TokenTTL is the validity of a cross-site redirect token.
	TokenTTL Duration `toml:"token_ttl,omitempty"`
	// ClockSkew is tolerated between sites when checking token times.
	ClockSkew Duration `toml:"clock_skew,omitempty"`
	// MinLFSVersion is the oldest git-lfs client accepted for uploads.
	MinLFSVersion string `toml:"min_lfs_version,omitempty"`
	// ResolverCacheSize is the number of path lookups kept in memory.
	ResolverCacheSize int `toml:"resolver_cache_size,omitempty"`
}

// DefaultRedirectConfig returns the default values for the redirect gate.
func DefaultRedirectConfig() Redirect {
	return Redirect{
		TokenTTL:          Duration(time.Minute),
		ClockSkew:         Duration(5 * time.Second),
		MinLFSVersion:     "2.4.2",
		ResolverCacheSize: 10000,
	}
}

// Sentry contains error tracking options.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty" envconfig:"dsn"`
	Environment string `toml:"sentry_environment,omitempty" envconfig:"environment"`
}

// Prometheus contains additional configuration data for prometheus
type Prometheus struct {
	// ScrapeTimeout is the allowed duration of a Prometheus scrape before timing out.
	ScrapeTimeout Duration `toml:"scrape_timeout,omitempty"`
	// SyncLatencyBuckets configures the histogram buckets of sync durations.
	SyncLatencyBuckets []float64 `toml:"sync_latency_buckets,omitempty"`
}

// DefaultPrometheusConfig returns a new config with default values set.
func DefaultPrometheusConfig() Prometheus {
	return Prometheus{
		ScrapeTimeout:      Duration(10 * time.Second),
		SyncLatencyBuckets: []float64{0.01, 0.05, 0.25, 1, 5, 30, 60, 300, 1500},
	}
}

// Config is a container for everything found in the TOML config file
type Config struct {
	ListenAddr             string   `toml:"listen_addr" envconfig:"listen_addr"`
	PrometheusListenAddr   string   `toml:"prometheus_listen_addr,omitempty" envconfig:"prometheus_listen_addr"`
	PIDFile                string   `toml:"pid_file,omitempty" envconfig:"pid_file"`
	UpgradesEnabled        bool     `toml:"upgrades_enabled,omitempty"`
	GracefulRestartTimeout Duration `toml:"graceful_restart_timeout,omitempty"`
	Site                   Site     `toml:"site" envconfig:"site"`
	Auth                   Auth     `toml:"auth" envconfig:"auth"`
	DB                     DB       `toml:"database" envconfig:"database"`
	// EventsDB is where the primary enqueues lifecycle events. Secondaries
	// with their own registry database point it to the primary database.
	// When unset, DB is used.
	EventsDB     DB           `toml:"events_database,omitempty" envconfig:"events_database"`
	Storage      Storage      `toml:"storage" envconfig:"storage"`
	Replication  Replication  `toml:"replication"`
	Verification Verification `toml:"verification"`
	Events       Events       `toml:"events"`
	Redirect     Redirect     `toml:"redirect"`
	Logging      log.Config   `toml:"logging" envconfig:"logging"`
	Sentry       Sentry       `toml:"sentry" envconfig:"sentry"`
	Prometheus   Prometheus   `toml:"prometheus"`
}

// FromFile loads the config for the passed file path
func FromFile(filePath string) (Config, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	return Load(f)
}

// Load decodes TOML from r on top of the defaults and applies overrides from
// GEO_* environment variables.
func Load(r io.Reader) (Config, error) {
	conf := &Config{
		GracefulRestartTimeout: Duration(time.Minute),
		DB:                     DB{Driver: DriverPostgres},
		Replication:            DefaultReplicationConfig(),
		Verification:           DefaultVerificationConfig(),
		Events:                 DefaultEventsConfig(),
		Redirect:               DefaultRedirectConfig(),
		Prometheus:             DefaultPrometheusConfig(),
	}

	if err := toml.NewDecoder(r).Decode(conf); err != nil {
		return Config{}, fmt.Errorf("load toml: %w", err)
	}

	if err := envconfig.Process("geo", conf); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	return *conf, nil
}

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	for _, run := range []func() error{
		c.validateListeners,
		c.validateSite,
		c.validateAuth,
		c.validateDB,
		c.validateStorage,
		c.validateReplication,
		c.validateRedirect,
	} {
		if err := run(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateListeners() error {
	if c.ListenAddr == "" {
		return errNoListenAddr
	}
	return nil
}

func (c *Config) validateSite() error {
	siteCtx := c.SiteContext()
	if err := siteCtx.Validate(); err != nil {
		return fmt.Errorf("site: %w", err)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.Auth.Secret == "" && c.Auth.SecretFile == "" {
		return errNoSecret
	}
	return nil
}

func (c *Config) validateDB() error {
	if err := validateDriver(c.DB); err != nil {
		return err
	}
	if c.EventsDB.Driver == "" {
		return nil
	}
	if c.DB.Driver == DriverMemory || c.EventsDB.Driver == DriverMemory {
		return errMemoryEventsDB
	}
	if err := validateDriver(c.EventsDB); err != nil {
		return fmt.Errorf("events_database: %w", err)
	}
	return nil
}

func validateDriver(db DB) error {
	switch db.Driver {
	case DriverPostgres, DriverMemory:
		return nil
	case DriverSQLite:
		if db.Path == "" {
			return errNoSQLitePath
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownDriver, db.Driver)
	}
}

func (c *Config) validateStorage() error {
	if c.Storage.BlobDir == "" {
		return errNoBlobDir
	}
	if c.Storage.RepositoryDir == "" {
		return errNoRepositoryDir
	}
	return nil
}

func (c *Config) validateReplication() error {
	r := c.Replication
	if r.BatchSize < 1 || c.Verification.BatchSize < 1 || c.Events.BatchSize < 1 || r.BackfillBatchSize < 1 {
		return errInvalidBatchSize
	}
	if r.Workers < 1 || c.Verification.Workers < 1 {
		return errInvalidWorkers
	}
	if r.BackoffJitter < 0 || r.BackoffJitter > 1 {
		return errInvalidJitter
	}
	if r.BackoffBase <= 0 || r.BackoffBase > r.BackoffMax {
		return errInvalidBackoff
	}
	if c.Verification.ReverifyInterval < 0 || c.Verification.RetryInterval < 0 {
		return errInvalidReverifyInterval
	}
	for _, interval := range []Duration{r.PollInterval, c.Events.PollInterval, c.Verification.Interval} {
		if interval.Duration() < minimalPollInterval {
			return errPollIntervalTooLow
		}
	}
	return nil
}

func (c *Config) validateRedirect() error {
	if _, err := version.NewVersion(c.Redirect.MinLFSVersion); err != nil {
		return fmt.Errorf("%w: %v", errInvalidLFSVersion, err)
	}
	return nil
}

// SiteContext builds the identity of this node from the site section.
func (c *Config) SiteContext() site.Context {
	if site.Role(c.Site.Role) == site.RolePrimary {
		return site.NewPrimary(c.Site.Name, c.Site.ExternalURL, c.Site.Secondaries)
	}

	siteCtx := site.NewSecondary(c.Site.Name, c.Site.PrimaryName, c.Site.PrimaryURL)
	siteCtx.Role = site.Role(c.Site.Role)
	return siteCtx
}

// NeedsSQL returns true if the driver is SQL based
func (c *Config) NeedsSQL() bool {
	return c.DB.Driver != DriverMemory
}

// SeparateEventsDB reports whether events are kept outside of DB.
func (c *Config) SeparateEventsDB() bool {
	return c.EventsDB.Driver != ""
}

// EventsDatabase returns the connection settings of the event queue.
func (c *Config) EventsDatabase() DB {
	if c.SeparateEventsDB() {
		return c.EventsDB
	}
	return c.DB
}

// SharedSecret returns the site-to-site secret, reading it from the secret
// file when it is not set inline.
func (c *Config) SharedSecret() (string, error) {
	if c.Auth.Secret != "" {
		return c.Auth.Secret, nil
	}

	b, err := os.ReadFile(c.Auth.SecretFile)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}

	return strings.TrimSpace(string(b)), nil
}
