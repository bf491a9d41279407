// Package pipeline runs the file-set processor: it discovers the catalog and
// log trees, then loads every catalog file before any log file, one file per
// unit of work by default.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"songetl/internal/datasource/file"
	"songetl/internal/domain"
	"songetl/internal/loader"
	"songetl/internal/metrics"
	"songetl/internal/skiplog"
	"songetl/internal/storage"
	"songetl/internal/transformer"
)

// Phase names used in logs, metrics and the summary.
const (
	PhaseSongs = "songs"
	PhaseLogs  = "logs"
)

// Options configure a run.
type Options struct {
	RunID   string
	Job     string // metrics job label
	SongDir string
	LogDir  string
	Ext     string // e.g. ".json"

	// CommitEvery is the number of files per unit of work. 1 commits after
	// every file; 0 commits once at the end of each phase.
	CommitEvery int

	// PlayPage overrides transformer.DefaultPlayPage.
	PlayPage string
}

// Processor drives the loader over the input files. It is single-use and not
// safe for concurrent use.
type Processor struct {
	loader *loader.Loader
	skips  *skiplog.Stats
	log    *zap.Logger
	opts   Options
	events transformer.EventTransformer

	sum         Summary
	auditFailed bool
}

// New returns a Processor. skips may be nil to count without an audit file.
func New(l *loader.Loader, skips *skiplog.Stats, log *zap.Logger, opts Options) *Processor {
	if skips == nil {
		skips = &skiplog.Stats{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CommitEvery < 0 {
		opts.CommitEvery = 1
	}
	return &Processor{
		loader: l,
		skips:  skips,
		log:    log,
		opts:   opts,
		events: transformer.EventTransformer{PlayPage: opts.PlayPage},
		sum:    Summary{RunID: opts.RunID},
	}
}

// Run discovers both trees, then processes the catalog phase followed by the
// log phase. The returned Summary is complete even when err is non-nil.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	songs, logs, err := p.Discover(ctx)
	if err != nil {
		return p.finish(start), err
	}
	if err := p.ProcessSongs(ctx, songs); err != nil {
		return p.finish(start), err
	}
	if err := p.ProcessLogs(ctx, logs); err != nil {
		return p.finish(start), err
	}
	return p.finish(start), nil
}

// Discover lists both input trees concurrently. Listing is read-only; all
// writes stay sequential.
func (p *Processor) Discover(ctx context.Context) (songs, logs []string, err error) {
	start := time.Now()
	var g errgroup.Group
	g.Go(func() error {
		var err error
		songs, err = file.ListFiles(p.opts.SongDir, p.opts.Ext)
		return err
	})
	g.Go(func() error {
		var err error
		logs, err = file.ListFiles(p.opts.LogDir, p.opts.Ext)
		return err
	})
	err = g.Wait()
	metrics.RecordStep(p.opts.Job, "discover", err, time.Since(start))
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: discover: %w", err)
	}
	p.sum.SongFilesFound = len(songs)
	p.sum.LogFilesFound = len(logs)
	return songs, logs, nil
}

// ProcessSongs loads catalog files in order.
func (p *Processor) ProcessSongs(ctx context.Context, files []string) error {
	return p.processFiles(ctx, PhaseSongs, p.opts.SongDir, files, p.loadSongFile)
}

// ProcessLogs loads event log files in order. The catalog must already be
// loaded for lookups to resolve.
func (p *Processor) ProcessLogs(ctx context.Context, files []string) error {
	return p.processFiles(ctx, PhaseLogs, p.opts.LogDir, files, p.loadLogFile)
}

type fileFunc func(ctx context.Context, path string) (fileResult, error)

// processFiles applies fn to each file inside a unit of work and commits
// every CommitEvery files. A failing file rolls back its unit of work; files
// committed earlier stay committed.
func (p *Processor) processFiles(ctx context.Context, phase, dir string, files []string, fn fileFunc) error {
	total := len(files)
	p.log.Info("files found", zap.String("phase", phase), zap.Int("count", total), zap.String("dir", dir))

	var pending []fileResult
	for i, path := range files {
		if !p.loader.Active() {
			if err := p.loader.Begin(ctx); err != nil {
				return p.fail(phase, path, err)
			}
		}

		start := time.Now()
		res, err := fn(ctx, path)
		metrics.RecordStep(p.opts.Job, phase+"_file", err, time.Since(start))
		if err != nil {
			if rbErr := p.loader.Rollback(ctx); rbErr != nil {
				p.log.Error("rollback failed", zap.String("path", path), zap.Error(rbErr))
			}
			p.discarded(phase, pending)
			return p.fail(phase, path, err)
		}
		pending = append(pending, res)

		committed := false
		if p.opts.CommitEvery > 0 && len(pending) >= p.opts.CommitEvery {
			if err := p.commit(ctx, phase, pending); err != nil {
				return p.fail(phase, path, err)
			}
			pending, committed = nil, true
		}

		p.log.Info("file processed",
			zap.String("phase", phase),
			zap.Int("index", i+1),
			zap.Int("total", total),
			zap.String("path", path),
			zap.Int("rows", res.rows.Total()),
			zap.Int("skipped", len(res.skips)),
			zap.Bool("committed", committed),
		)
	}

	if p.loader.Active() {
		last := ""
		if len(pending) > 0 {
			last = pending[len(pending)-1].path
		}
		if err := p.commit(ctx, phase, pending); err != nil {
			return p.fail(phase, last, err)
		}
	}
	return nil
}

// commit makes the open unit of work durable and folds the per-file results
// into the summary and the skip log.
func (p *Processor) commit(ctx context.Context, phase string, results []fileResult) error {
	if err := p.loader.Commit(ctx); err != nil {
		p.discarded(phase, results)
		return err
	}
	for _, r := range results {
		for _, s := range r.skips {
			if err := p.skips.Add(s.reason, r.path, s.line, s.detail); err != nil && !p.auditFailed {
				p.auditFailed = true
				p.log.Error("skip audit file is failing; counting continues", zap.Error(err))
			}
		}
		p.sum.Filtered += r.filtered
		p.sum.LookupMisses += r.lookupMisses
		p.sum.LookupAmbiguous += r.lookupAmbiguous
		p.sum.CatalogExtraRecords += r.extraRecords
	}
	switch phase {
	case PhaseSongs:
		p.sum.SongFilesProcessed += len(results)
	case PhaseLogs:
		p.sum.LogFilesProcessed += len(results)
	}
	metrics.RecordFiles(p.opts.Job, phase, len(results))
	return nil
}

func (p *Processor) discarded(phase string, results []fileResult) {
	if len(results) == 0 {
		return
	}
	paths := make([]string, len(results))
	for i, r := range results {
		paths[i] = r.path
	}
	p.log.Warn("uncommitted files rolled back", zap.String("phase", phase), zap.Strings("paths", paths))
}

func (p *Processor) fail(phase, path string, err error) error {
	p.sum.FailedFile = path
	p.sum.FailedPhase = phase
	if domain.IsStoreError(err) {
		p.log.Error("store rejected file; run aborted",
			zap.String("phase", phase), zap.String("path", path), zap.Error(err))
	} else {
		p.log.Error("file could not be processed; run aborted",
			zap.String("phase", phase), zap.String("path", path), zap.Error(err))
	}
	return fmt.Errorf("pipeline: %s file %s: %w", phase, path, err)
}

// Summary returns the counters accumulated so far.
func (p *Processor) Summary() Summary {
	s := p.sum
	s.Rows = p.loader.Committed()
	s.Skipped = p.skips.Reasons()
	s.LookupCacheHits = p.loader.CacheHits()
	return s
}

func (p *Processor) finish(start time.Time) Summary {
	s := p.Summary()
	s.Duration = time.Since(start)

	job := p.opts.Job
	metrics.RecordRows(job, storage.TableSongs, s.Rows.Songs)
	metrics.RecordRows(job, storage.TableArtists, s.Rows.Artists)
	metrics.RecordRows(job, storage.TableUsers, s.Rows.Users)
	metrics.RecordRows(job, storage.TableTime, s.Rows.Times)
	metrics.RecordRows(job, storage.TableSongplays, s.Rows.SongPlays)
	for _, reason := range p.skips.Sorted() {
		metrics.RecordSkips(job, reason, p.skips.Count(reason))
	}
	return s
}
