// Package storage contains the storage-agnostic warehouse contract and the
// backend registry.
//
// A Store owns the single connection of a run. All writes happen inside a Tx
// obtained from Store.BeginTx; the caller decides the commit granularity.
// Backends (postgres, sqlite, mysql, mssql) register a Factory at init time
// under their kind, so callers only depend on this package.
package storage

import (
	"context"

	"songetl/internal/domain"
)

// Warehouse table names shared by every backend.
const (
	TableSongs     = "songs"
	TableArtists   = "artists"
	TableUsers     = "users"
	TableTime      = "time"
	TableSongplays = "songplays"
)

// Store is an open warehouse connection.
type Store interface {
	// BeginTx starts a unit of work. Only one Tx may be open at a time.
	BeginTx(ctx context.Context) (Tx, error)
	// EnsureSchema creates the warehouse tables when they are missing. It does
	// not alter existing tables.
	EnsureSchema(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Tx is one unit of work against the warehouse. Every method returns errors
// classified as domain.ErrConstraintViolation or domain.ErrStoreUnavailable
// where the backend can tell them apart.
type Tx interface {
	// UpsertSong inserts a song; an existing song_id is left unchanged.
	UpsertSong(ctx context.Context, s domain.SongRecord) error
	// UpsertArtist inserts an artist; an existing artist_id is left unchanged.
	UpsertArtist(ctx context.Context, a domain.ArtistRecord) error
	// UpsertUser inserts a user or overwrites every attribute of an existing user_id.
	UpsertUser(ctx context.Context, u domain.UserRecord) error
	// InsertTimeRow appends a time row; duplicate start_time values are allowed.
	InsertTimeRow(ctx context.Context, t domain.TimeRow) error
	// LookupSongArtist joins songs and artists on exact title, artist name and
	// duration. It returns ok=false when nothing matches and
	// domain.ErrLookupAmbiguous when more than one row does.
	LookupSongArtist(ctx context.Context, title, artist string, duration float64) (domain.SongArtist, bool, error)
	// InsertSongPlay appends a fact row.
	InsertSongPlay(ctx context.Context, f domain.SongPlayFact) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
