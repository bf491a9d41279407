// Package config holds every run knob. Values come from command-line flags
// whose defaults are seeded from environment variables, which may in turn be
// loaded from an optional .env file. Flags are defined before parsing so that
// -help lists all knobs with their effective defaults.
//
// For tests, prefer LoadFromArgs to keep them hermetic:
//
//	fs := flag.NewFlagSet("test", flag.ContinueOnError)
//	cfg, err := config.LoadFromArgs(fs, func(k string) string { return env[k] }, []string{"-commit_every=0"})
package config

import (
	"errors"
	"flag"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the fully resolved run configuration.
type Config struct {
	// Inputs.
	SongDir  string // catalog tree, processed first
	LogDir   string // event log tree
	FileExt  string // input file suffix, e.g. ".json"
	PlayPage string // page value that marks a song play

	// Warehouse. For Postgres the DSN may be built from the discrete parts.
	DBDriver   string // postgres, sqlite, mysql or mssql
	DSN        string
	DBUser     string
	DBPassword string
	DBHost     string
	DBPort     string
	DBName     string
	DBSSLMode  string
	AutoCreate bool // create missing tables before loading

	// Units of work and lookup.
	CommitEvery int  // files per transaction; 0 commits once per phase
	LookupCache bool // memoise song/artist lookups during the log phase

	// Diagnostics.
	SkippedDir     string // directory for the skipped-records CSV; empty disables it
	LogLevel       string
	LogFormat      string // json or console
	MetricsBackend string // none, pushgateway or datadog
	PushgatewayURL string
	DatadogAddr    string
	Job            string // metrics job label and Pushgateway group

	// ValidateOnly prints configuration issues and exits.
	ValidateOnly bool
}

// LoadFromArgs defines all flags on fs with defaults taken from getenv and
// parses args. Explicit flags win over the environment.
func LoadFromArgs(fs *flag.FlagSet, getenv func(string) string, args []string) (*Config, error) {
	cfg := &Config{}

	env := func(k, d string) string {
		if v := getenv(k); v != "" {
			return v
		}
		return d
	}
	envInt := func(k string, d int) int {
		if v := getenv(k); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				return i
			}
		}
		return d
	}
	envBool := func(k string, d bool) bool {
		switch strings.ToLower(getenv(k)) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
		return d
	}

	fs.StringVar(&cfg.SongDir, "song_dir", env("SONG_DIR", "data/song_data"), "Song catalog directory (walked recursively)")
	fs.StringVar(&cfg.LogDir, "log_dir", env("LOG_DIR", "data/log_data"), "Event log directory (walked recursively)")
	fs.StringVar(&cfg.FileExt, "file_ext", env("FILE_EXT", ".json"), "Input file extension")
	fs.StringVar(&cfg.PlayPage, "play_page", env("PLAY_PAGE", "NextSong"), "Event page value that denotes a song play")

	fs.StringVar(&cfg.DBDriver, "db_driver", env("DB_DRIVER", "postgres"), "Warehouse backend: postgres, sqlite, mysql or mssql")
	fs.StringVar(&cfg.DSN, "dsn", getenv("DB_DSN"), "Full DSN (required for sqlite, mysql and mssql)")
	fs.StringVar(&cfg.DBUser, "db_user", env("DB_USER", "student"), "Postgres user")
	fs.StringVar(&cfg.DBPassword, "db_password", env("DB_PASSWORD", "student"), "Postgres password")
	fs.StringVar(&cfg.DBHost, "db_host", env("DB_HOST", "127.0.0.1"), "Postgres host")
	fs.StringVar(&cfg.DBPort, "db_port", env("DB_PORT", "5432"), "Postgres port")
	fs.StringVar(&cfg.DBName, "db_name", env("DB_NAME", "sparkifydb"), "Postgres database")
	fs.StringVar(&cfg.DBSSLMode, "db_sslmode", env("DB_SSLMODE", "disable"), "Postgres sslmode")
	fs.BoolVar(&cfg.AutoCreate, "auto_create", envBool("AUTO_CREATE", true), "Create missing warehouse tables")

	fs.IntVar(&cfg.CommitEvery, "commit_every", envInt("COMMIT_EVERY", 1), "Files per transaction; 0 commits once per phase")
	fs.BoolVar(&cfg.LookupCache, "lookup_cache", envBool("LOOKUP_CACHE", true), "Cache song/artist lookups")

	fs.StringVar(&cfg.SkippedDir, "skipped_dir", getenv("SKIPPED_DIR"), "Directory for the skipped-records CSV (empty disables it)")
	fs.StringVar(&cfg.LogLevel, "log_level", env("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log_format", env("LOG_FORMAT", "json"), "Log format: json or console")
	fs.StringVar(&cfg.MetricsBackend, "metrics_backend", env("METRICS_BACKEND", "none"), "Metrics backend: none, pushgateway or datadog")
	fs.StringVar(&cfg.PushgatewayURL, "pushgateway_url", getenv("PUSHGATEWAY_URL"), "Prometheus Pushgateway base URL")
	fs.StringVar(&cfg.DatadogAddr, "datadog_addr", env("DATADOG_ADDR", "127.0.0.1:8125"), "DogStatsD address")
	fs.StringVar(&cfg.Job, "job", env("JOB", "song_etl"), "Job name for metrics")

	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate configuration, print issues and exit")

	if args == nil {
		args = []string{}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads an optional .env file (existing environment variables win), then
// parses os.Args against flag.CommandLine.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	return LoadFromArgs(flag.CommandLine, os.Getenv, os.Args[1:])
}

// loadDotEnv loads path into the process environment; a missing file is fine.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// DatabaseDSN returns DSN, or for Postgres a URL built from the discrete parts.
func (c *Config) DatabaseDSN() string {
	if c.DSN != "" || c.DBDriver != "postgres" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   net.JoinHostPort(c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	if c.DBSSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.DBSSLMode}}.Encode()
	}
	return u.String()
}

// Redacted returns DatabaseDSN with any password masked, for logging. SQLite
// paths are returned as is; DSNs that are not URLs are hidden entirely.
func (c *Config) Redacted() string {
	dsn := c.DatabaseDSN()
	if c.DBDriver == "sqlite" {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "[redacted]"
	}
	return u.Redacted()
}
