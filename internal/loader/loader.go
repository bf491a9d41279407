// Package loader is the only component that mutates the warehouse. It owns
// the store for the whole run, scopes every write to an explicit unit of work
// (Begin/Commit/Rollback) and keeps per-entity row counters.
//
// Conflict policies are fixed per entity kind and enforced by the backend
// statements: songs and artists keep the first version seen, users are
// overwritten, time rows and song plays are appended.
package loader

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"songetl/internal/domain"
	"songetl/internal/storage"
)

var (
	// ErrNoTx is returned by write and lookup operations outside Begin/Commit.
	ErrNoTx = errors.New("loader: no active unit of work")
	// ErrTxActive is returned by Begin when a unit of work is already open.
	ErrTxActive = errors.New("loader: unit of work already active")
)

// Counts holds write operations applied per entity kind. Song and artist
// upserts that hit an existing key still count as applied.
type Counts struct {
	Songs     int
	Artists   int
	Users     int
	Times     int
	SongPlays int
}

// Add returns c + o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Songs:     c.Songs + o.Songs,
		Artists:   c.Artists + o.Artists,
		Users:     c.Users + o.Users,
		Times:     c.Times + o.Times,
		SongPlays: c.SongPlays + o.SongPlays,
	}
}

// Total is the sum over all kinds.
func (c Counts) Total() int { return c.Songs + c.Artists + c.Users + c.Times + c.SongPlays }

// Options tune the Loader.
type Options struct {
	// LookupCache memoises LookupSongArtist results until the next song or
	// artist write.
	LookupCache bool
}

// Loader applies dimension and fact writes through a storage.Store.
// It is not safe for concurrent use.
type Loader struct {
	store storage.Store
	log   *zap.Logger
	opts  Options

	tx        storage.Tx
	pending   Counts
	committed Counts

	cache     map[uint64][]cacheEntry
	cacheHits int
}

type cacheEntry struct {
	title, artist string
	duration      float64
	match         domain.SongArtist
	found         bool
	ambiguous     bool
}

// New takes ownership of store; Close releases it.
func New(store storage.Store, log *zap.Logger, opts Options) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{store: store, log: log, opts: opts}
}

// Begin opens a unit of work.
func (l *Loader) Begin(ctx context.Context) error {
	if l.tx != nil {
		return ErrTxActive
	}
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("loader: begin: %w", err)
	}
	l.tx = tx
	l.pending = Counts{}
	return nil
}

// Active reports whether a unit of work is open.
func (l *Loader) Active() bool { return l.tx != nil }

// Commit makes the current unit of work durable and folds its counters into
// the committed totals.
func (l *Loader) Commit(ctx context.Context) error {
	if l.tx == nil {
		return ErrNoTx
	}
	tx := l.tx
	l.tx = nil
	if err := tx.Commit(ctx); err != nil {
		l.pending = Counts{}
		l.resetCache()
		return fmt.Errorf("loader: commit: %w", err)
	}
	l.committed = l.committed.Add(l.pending)
	l.log.Debug("unit of work committed",
		zap.Int("songs", l.pending.Songs),
		zap.Int("artists", l.pending.Artists),
		zap.Int("users", l.pending.Users),
		zap.Int("time", l.pending.Times),
		zap.Int("songplays", l.pending.SongPlays),
	)
	l.pending = Counts{}
	return nil
}

// Rollback discards the current unit of work. It is a no-op when none is
// open, so callers may defer it unconditionally.
func (l *Loader) Rollback(ctx context.Context) error {
	if l.tx == nil {
		return nil
	}
	tx := l.tx
	l.tx = nil
	l.pending = Counts{}
	// Cached lookups may reference rows that no longer exist.
	l.resetCache()
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("loader: rollback: %w", err)
	}
	return nil
}

// Committed returns the counters of all committed units of work.
func (l *Loader) Committed() Counts { return l.committed }

// Pending returns the counters of the open unit of work.
func (l *Loader) Pending() Counts { return l.pending }

// CacheHits reports how many lookups were answered from the cache.
func (l *Loader) CacheHits() int { return l.cacheHits }

// UpsertSong inserts s unless its song_id already exists.
func (l *Loader) UpsertSong(ctx context.Context, s domain.SongRecord) error {
	if l.tx == nil {
		return ErrNoTx
	}
	if err := l.tx.UpsertSong(ctx, s); err != nil {
		return err
	}
	l.resetCache()
	l.pending.Songs++
	return nil
}

// UpsertArtist inserts a unless its artist_id already exists.
func (l *Loader) UpsertArtist(ctx context.Context, a domain.ArtistRecord) error {
	if l.tx == nil {
		return ErrNoTx
	}
	if err := l.tx.UpsertArtist(ctx, a); err != nil {
		return err
	}
	l.resetCache()
	l.pending.Artists++
	return nil
}

// UpsertUser inserts u or overwrites every attribute of the existing row.
func (l *Loader) UpsertUser(ctx context.Context, u domain.UserRecord) error {
	if l.tx == nil {
		return ErrNoTx
	}
	if err := l.tx.UpsertUser(ctx, u); err != nil {
		return err
	}
	l.pending.Users++
	return nil
}

// InsertTimeRow appends r. Duplicate start times are kept.
func (l *Loader) InsertTimeRow(ctx context.Context, r domain.TimeRow) error {
	if l.tx == nil {
		return ErrNoTx
	}
	if err := l.tx.InsertTimeRow(ctx, r); err != nil {
		return err
	}
	l.pending.Times++
	return nil
}

// InsertSongPlay appends f.
func (l *Loader) InsertSongPlay(ctx context.Context, f domain.SongPlayFact) error {
	if l.tx == nil {
		return ErrNoTx
	}
	if err := l.tx.InsertSongPlay(ctx, f); err != nil {
		return err
	}
	l.pending.SongPlays++
	return nil
}

// LookupSongArtist resolves (title, artist name, duration) to a single
// catalog entry. Duration is compared exactly. More than one match yields
// domain.ErrLookupAmbiguous. The method value satisfies transformer.Lookup.
func (l *Loader) LookupSongArtist(ctx context.Context, title, artist string, duration float64) (domain.SongArtist, bool, error) {
	if l.tx == nil {
		return domain.SongArtist{}, false, ErrNoTx
	}
	if !l.opts.LookupCache {
		return l.tx.LookupSongArtist(ctx, title, artist, duration)
	}

	key := lookupKey(title, artist, duration)
	for _, e := range l.cache[key] {
		if e.title == title && e.artist == artist && e.duration == duration {
			l.cacheHits++
			if e.ambiguous {
				return domain.SongArtist{}, false, fmt.Errorf("loader: lookup %q by %q: %w", title, artist, domain.ErrLookupAmbiguous)
			}
			return e.match, e.found, nil
		}
	}

	match, found, err := l.tx.LookupSongArtist(ctx, title, artist, duration)
	ambiguous := errors.Is(err, domain.ErrLookupAmbiguous)
	if err != nil && !ambiguous {
		return domain.SongArtist{}, false, err
	}
	if l.cache == nil {
		l.cache = make(map[uint64][]cacheEntry)
	}
	l.cache[key] = append(l.cache[key], cacheEntry{
		title: title, artist: artist, duration: duration,
		match: match, found: found, ambiguous: ambiguous,
	})
	return match, found, err
}

// Close rolls back any open unit of work and closes the store.
func (l *Loader) Close(ctx context.Context) error {
	rbErr := l.Rollback(ctx)
	if err := l.store.Close(); err != nil {
		return fmt.Errorf("loader: close store: %w", err)
	}
	return rbErr
}

func (l *Loader) resetCache() {
	if len(l.cache) > 0 {
		l.cache = nil
	}
}

func lookupKey(title, artist string, duration float64) uint64 {
	h := xxh3.New()
	_, _ = h.WriteString(title)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(artist)
	_, _ = h.Write([]byte{0})
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(duration))
	_, _ = h.Write(b[:])
	return h.Sum64()
}
