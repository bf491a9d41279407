// Package metrics records run-level counters and step timings behind a
// pluggable Backend. The default backend discards everything, so callers never
// need to check whether metrics are configured.
//
// Metric names:
//
//	etl_step_total{job,step,status}            one per processed file or phase
//	etl_step_duration_seconds{job,step,status} duration of the same
//	etl_rows_total{job,kind}                   rows written per entity kind
//	etl_skipped_total{job,reason}              records skipped per reason
//	etl_files_total{job,phase}                 files committed per phase
package metrics

import (
	"sync"
	"time"
)

// Metric names shared with the backends.
const (
	StepTotal    = "etl_step_total"
	StepDuration = "etl_step_duration_seconds"
	RowsTotal    = "etl_rows_total"
	SkippedTotal = "etl_skipped_total"
	FilesTotal   = "etl_files_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend receives counters and observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Discard drops every metric. It is the default backend.
var Discard Backend = nopBackend{}

var (
	mu      sync.RWMutex
	backend = Discard
)

// SetBackend installs b. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the installed backend.
func Flush() error { return current().Flush() }

// RecordStep counts one step execution and records its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"job": job, "step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRows adds delta rows for an entity kind (songs, artists, users,
// time, songplays).
func RecordRows(job, kind string, delta int) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(delta), Labels{"job": job, "kind": kind})
}

// RecordSkips adds delta skipped records for reason.
func RecordSkips(job, reason string, delta int) {
	if delta <= 0 {
		return
	}
	current().IncCounter(SkippedTotal, float64(delta), Labels{"job": job, "reason": reason})
}

// RecordFiles adds delta committed files for phase ("songs" or "logs").
func RecordFiles(job, phase string, delta int) {
	if delta <= 0 {
		return
	}
	current().IncCounter(FilesTotal, float64(delta), Labels{"job": job, "phase": phase})
}
