package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name   string
	value  float64
	labels Labels
}

// fakeBackend is an in-memory Backend for tests.
type fakeBackend struct {
	mu         sync.Mutex
	counters   []call
	histograms []call
	flushes    int
	flushErr   error
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, call{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histograms = append(f.histograms, call{name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

// install swaps the package backend for the duration of a test; callers must
// not run in parallel.
func install(t *testing.T) *fakeBackend {
	t.Helper()
	orig := current()
	t.Cleanup(func() { SetBackend(orig) })
	fb := &fakeBackend{}
	SetBackend(fb)
	return fb
}

func TestRecordStep_SuccessAndFailure(t *testing.T) {
	fb := install(t)

	RecordStep("etl", "songs_file", nil, 2*time.Second)
	RecordStep("etl", "logs_file", errors.New("boom"), 1500*time.Millisecond)

	require.Len(t, fb.counters, 2)
	require.Len(t, fb.histograms, 2)

	assert.Equal(t, call{StepTotal, 1, Labels{"job": "etl", "step": "songs_file", "status": "success"}}, fb.counters[0])
	assert.Equal(t, "failure", fb.counters[1].labels["status"])
	assert.Equal(t, StepDuration, fb.histograms[0].name)
	assert.InDelta(t, 2.0, fb.histograms[0].value, 0.001)
	assert.InDelta(t, 1.5, fb.histograms[1].value, 0.001)
}

func TestRecordCounters_SkipNonPositive(t *testing.T) {
	fb := install(t)

	RecordRows("etl", "songplays", 3)
	RecordRows("etl", "users", 0)
	RecordSkips("etl", "bad_json", 2)
	RecordSkips("etl", "malformed_record", -1)
	RecordFiles("etl", "logs", 1)

	require.Len(t, fb.counters, 3)
	assert.Equal(t, call{RowsTotal, 3, Labels{"job": "etl", "kind": "songplays"}}, fb.counters[0])
	assert.Equal(t, call{SkippedTotal, 2, Labels{"job": "etl", "reason": "bad_json"}}, fb.counters[1])
	assert.Equal(t, call{FilesTotal, 1, Labels{"job": "etl", "phase": "logs"}}, fb.counters[2])
}

func TestSetBackend_NilKeepsCurrent(t *testing.T) {
	fb := install(t)
	fb.flushErr = errors.New("push failed")

	SetBackend(nil)
	assert.EqualError(t, Flush(), "push failed")
	assert.Equal(t, 1, fb.flushes)
}

func TestNopBackend(t *testing.T) {
	var b Backend = nopBackend{}
	b.IncCounter(RowsTotal, 1, nil)
	b.ObserveHistogram(StepDuration, 1, nil)
	assert.NoError(t, b.Flush())
}
