package config

import (
	"fmt"
	"slices"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError blocks the run.
	SeverityError IssueSeverity = "error"
	// SeverityWarning is reported but does not block the run.
	SeverityWarning IssueSeverity = "warning"
)

// Issue is one validation finding. Path is the flag name.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	drivers        = []string{"postgres", "sqlite", "mysql", "mssql"}
	metricsKinds   = []string{"none", "pushgateway", "datadog"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"json", "console"}
	dsnRequiredFor = []string{"sqlite", "mysql", "mssql"}
)

// Validate lints c without mutating it.
func Validate(c *Config) []Issue {
	var issues []Issue
	add := func(sev IssueSeverity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.SongDir) == "" {
		add(SeverityError, "song_dir", "must not be empty")
	}
	if strings.TrimSpace(c.LogDir) == "" {
		add(SeverityError, "log_dir", "must not be empty")
	}
	if c.FileExt != "" && !strings.HasPrefix(c.FileExt, ".") {
		add(SeverityWarning, "file_ext", "%q has no leading dot and will match any name ending in it", c.FileExt)
	}
	if strings.TrimSpace(c.PlayPage) == "" {
		add(SeverityError, "play_page", "must not be empty; no event would be treated as a play")
	}

	switch {
	case !slices.Contains(drivers, c.DBDriver):
		add(SeverityError, "db_driver", "unknown driver %q (want one of %s)", c.DBDriver, strings.Join(drivers, ", "))
	case slices.Contains(dsnRequiredFor, c.DBDriver) && strings.TrimSpace(c.DSN) == "":
		add(SeverityError, "dsn", "required for %s", c.DBDriver)
	case c.DBDriver == "postgres" && c.DSN == "" && (c.DBHost == "" || c.DBName == ""):
		add(SeverityError, "db_host", "postgres needs -dsn or both -db_host and -db_name")
	}
	if !c.AutoCreate {
		add(SeverityWarning, "auto_create", "disabled; the warehouse tables must already exist")
	}

	if c.CommitEvery < 0 {
		add(SeverityError, "commit_every", "must be >= 0, got %d", c.CommitEvery)
	} else if c.CommitEvery != 1 {
		add(SeverityWarning, "commit_every", "%d: a store failure rolls back more than the failing file", c.CommitEvery)
	}

	if !slices.Contains(logLevels, strings.ToLower(c.LogLevel)) {
		add(SeverityError, "log_level", "unknown level %q", c.LogLevel)
	}
	if !slices.Contains(logFormats, c.LogFormat) {
		add(SeverityError, "log_format", "unknown format %q", c.LogFormat)
	}

	switch c.MetricsBackend {
	case "pushgateway":
		if c.PushgatewayURL == "" {
			add(SeverityError, "pushgateway_url", "required when metrics_backend=pushgateway")
		}
	case "datadog":
		if c.DatadogAddr == "" {
			add(SeverityError, "datadog_addr", "required when metrics_backend=datadog")
		}
	case "none", "":
	default:
		add(SeverityError, "metrics_backend", "unknown backend %q (want one of %s)", c.MetricsBackend, strings.Join(metricsKinds, ", "))
	}
	if strings.TrimSpace(c.Job) == "" {
		add(SeverityError, "job", "must not be empty; it labels metrics")
	}

	return issues
}
