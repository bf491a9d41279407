// Package sqldb implements storage.Store on top of database/sql. The SQL text
// differs per backend and is supplied as a Dialect; the sqlite, mysql and
// mssql packages each provide one and register it with the storage factory.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"songetl/internal/domain"
	"songetl/internal/storage"
)

// Dialect carries the backend-specific statements. Every statement binds its
// parameters in the order documented on the field.
type Dialect struct {
	Name string

	// Schema holds CREATE TABLE statements that are no-ops when the table exists.
	Schema []string

	// UpsertSong: song_id, title, artist_id, year, duration. Keeps existing rows.
	UpsertSong string
	// UpsertArtist: artist_id, name, location, latitude, longitude. Keeps existing rows.
	UpsertArtist string
	// UpsertUser: user_id, first_name, last_name, gender, level. Overwrites existing rows.
	UpsertUser string
	// InsertTime: start_time, hour, day, week, week_year, year, month, weekday.
	InsertTime string
	// InsertSongPlay: start_time, user_id, level, song_id, artist_id, session_id, location, user_agent.
	InsertSongPlay string
	// LookupSongArtist: title, artist name, duration. Must return at most two rows.
	LookupSongArtist string

	// Classify maps driver errors to domain error kinds.
	Classify storage.Classifier
}

// Store is a database/sql backed storage.Store.
type Store struct {
	db *sql.DB
	d  Dialect
}

var _ storage.Store = (*Store)(nil)

// Open opens driverName/dsn, pins the pool to a single connection and pings
// it.
func Open(ctx context.Context, driverName, dsn string, d Dialect) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s: DSN must not be empty", d.Name)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", d.Name, err)
	}
	return Wrap(ctx, db, d)
}

// Wrap adopts an already opened *sql.DB. The Store takes ownership and closes
// db on Close or when the ping fails.
func Wrap(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, storage.Wrap(d.Name+": ping", err, d.Classify)
	}
	return &Store{db: db, d: d}, nil
}

// DB exposes the underlying handle for backend-specific setup.
func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema executes every Dialect.Schema statement.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.d.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storage.Wrap(s.d.Name+": create schema", err, s.d.Classify)
		}
	}
	return nil
}

// BeginTx starts a database transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.Wrap(s.d.Name+": begin tx", err, s.d.Classify)
	}
	return &Tx{tx: tx, d: s.d}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a database/sql backed storage.Tx.
type Tx struct {
	tx *sql.Tx
	d  Dialect
}

func (t *Tx) exec(ctx context.Context, op, stmt string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, stmt, args...); err != nil {
		return storage.Wrap(t.d.Name+": "+op, err, t.d.Classify)
	}
	return nil
}

func (t *Tx) UpsertSong(ctx context.Context, s domain.SongRecord) error {
	return t.exec(ctx, "upsert song", t.d.UpsertSong,
		s.SongID, s.Title, s.ArtistID, nullInt(s.Year), s.Duration)
}

func (t *Tx) UpsertArtist(ctx context.Context, a domain.ArtistRecord) error {
	return t.exec(ctx, "upsert artist", t.d.UpsertArtist,
		a.ArtistID, a.Name, nullString(a.Location), nullFloat(a.Latitude), nullFloat(a.Longitude))
}

func (t *Tx) UpsertUser(ctx context.Context, u domain.UserRecord) error {
	return t.exec(ctx, "upsert user", t.d.UpsertUser,
		u.UserID, u.FirstName, u.LastName, u.Gender, u.Level)
}

func (t *Tx) InsertTimeRow(ctx context.Context, r domain.TimeRow) error {
	return t.exec(ctx, "insert time", t.d.InsertTime,
		r.StartTime, r.Hour, r.Day, r.Week, r.WeekYear, r.Year, r.Month, r.Weekday)
}

func (t *Tx) InsertSongPlay(ctx context.Context, f domain.SongPlayFact) error {
	return t.exec(ctx, "insert songplay", t.d.InsertSongPlay,
		f.StartTime, f.UserID, f.Level, nullString(f.SongID), nullString(f.ArtistID),
		f.SessionID, f.Location, f.UserAgent)
}

func (t *Tx) LookupSongArtist(ctx context.Context, title, artist string, duration float64) (domain.SongArtist, bool, error) {
	rows, err := t.tx.QueryContext(ctx, t.d.LookupSongArtist, title, artist, duration)
	if err != nil {
		return domain.SongArtist{}, false, storage.Wrap(t.d.Name+": lookup", err, t.d.Classify)
	}
	defer rows.Close()

	var (
		match domain.SongArtist
		n     int
	)
	for rows.Next() {
		n++
		if n > 1 {
			return domain.SongArtist{}, false, fmt.Errorf("%s: lookup %q by %q: %w", t.d.Name, title, artist, domain.ErrLookupAmbiguous)
		}
		if err := rows.Scan(&match.SongID, &match.ArtistID); err != nil {
			return domain.SongArtist{}, false, storage.Wrap(t.d.Name+": lookup scan", err, t.d.Classify)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.SongArtist{}, false, storage.Wrap(t.d.Name+": lookup rows", err, t.d.Classify)
	}
	return match, n == 1, nil
}

func (t *Tx) Commit(context.Context) error {
	return storage.Wrap(t.d.Name+": commit", t.tx.Commit(), t.d.Classify)
}

// Rollback aborts the transaction. Rolling back a finished transaction is not
// an error.
func (t *Tx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return storage.Wrap(t.d.Name+": rollback", err, t.d.Classify)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
