// Package sqlite implements the warehouse on SQLite through database/sql and
// the pure-Go modernc.org/sqlite driver. Upserts use INSERT ... ON CONFLICT.
package sqlite

import (
	"context"
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"songetl/internal/domain"
	"songetl/internal/storage"
	"songetl/internal/storage/sqldb"
)

// Dialect is the SQLite statement set.
var Dialect = sqldb.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS songs (
			song_id   TEXT PRIMARY KEY,
			title     TEXT NOT NULL,
			artist_id TEXT NOT NULL,
			year      INTEGER,
			duration  REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artists (
			artist_id TEXT PRIMARY KEY,
			name      TEXT NOT NULL,
			location  TEXT,
			latitude  REAL,
			longitude REAL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id    TEXT PRIMARY KEY,
			first_name TEXT,
			last_name  TEXT,
			gender     TEXT,
			level      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS time (
			start_time INTEGER NOT NULL,
			hour       INTEGER NOT NULL,
			day        INTEGER NOT NULL,
			week       INTEGER NOT NULL,
			week_year  INTEGER NOT NULL,
			year       INTEGER NOT NULL,
			month      INTEGER NOT NULL,
			weekday    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS songplays (
			songplay_id INTEGER PRIMARY KEY AUTOINCREMENT,
			start_time  INTEGER NOT NULL,
			user_id     TEXT NOT NULL,
			level       TEXT,
			song_id     TEXT,
			artist_id   TEXT,
			session_id  INTEGER,
			location    TEXT,
			user_agent  TEXT
		)`,
	},
	UpsertSong: `INSERT INTO songs (song_id, title, artist_id, year, duration)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (song_id) DO NOTHING`,
	UpsertArtist: `INSERT INTO artists (artist_id, name, location, latitude, longitude)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (artist_id) DO NOTHING`,
	UpsertUser: `INSERT INTO users (user_id, first_name, last_name, gender, level)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name  = excluded.last_name,
			gender     = excluded.gender,
			level      = excluded.level`,
	InsertTime: `INSERT INTO time (start_time, hour, day, week, week_year, year, month, weekday)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	InsertSongPlay: `INSERT INTO songplays (start_time, user_id, level, song_id, artist_id, session_id, location, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	LookupSongArtist: `SELECT s.song_id, a.artist_id
		FROM songs s
		JOIN artists a ON a.artist_id = s.artist_id
		WHERE s.title = ? AND a.name = ? AND s.duration = ?
		LIMIT 2`,
	Classify: classify,
}

// classify maps SQLite primary result codes to domain error kinds.
func classify(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return domain.ErrConstraintViolation
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CANTOPEN,
		sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY,
		sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		return domain.ErrStoreUnavailable
	}
	return nil
}

// openStore is a test hook; tests may replace it to avoid touching disk.
var openStore = func(ctx context.Context, dsn string) (storage.Store, error) {
	s, err := sqldb.Open(ctx, "sqlite", dsn, Dialect)
	if err != nil {
		return nil, err
	}
	// Ignore the error if the driver does not support it.
	_, _ = s.DB().ExecContext(ctx, "PRAGMA busy_timeout = 5000;")
	return s, nil
}

// NewStore opens a SQLite database, e.g. "warehouse.db" or ":memory:".
func NewStore(ctx context.Context, dsn string) (storage.Store, error) {
	return openStore(ctx, dsn)
}

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return NewStore(ctx, cfg.DSN)
	})
}
