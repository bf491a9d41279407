// Package postgres implements the warehouse on Postgres using pgx v5.
// Upserts use INSERT ... ON CONFLICT; the surrogate songplay key is an
// identity column.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"songetl/internal/domain"
	"songetl/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS songs (
		song_id   TEXT PRIMARY KEY,
		title     TEXT NOT NULL,
		artist_id TEXT NOT NULL,
		year      INTEGER,
		duration  DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artists (
		artist_id TEXT PRIMARY KEY,
		name      TEXT NOT NULL,
		location  TEXT,
		latitude  DOUBLE PRECISION,
		longitude DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id    TEXT PRIMARY KEY,
		first_name TEXT,
		last_name  TEXT,
		gender     TEXT,
		level      TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS "time" (
		start_time BIGINT NOT NULL,
		hour       INTEGER NOT NULL,
		day        INTEGER NOT NULL,
		week       INTEGER NOT NULL,
		week_year  INTEGER NOT NULL,
		year       INTEGER NOT NULL,
		month      INTEGER NOT NULL,
		weekday    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS songplays (
		songplay_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		start_time  BIGINT NOT NULL,
		user_id     TEXT NOT NULL,
		level       TEXT,
		song_id     TEXT,
		artist_id   TEXT,
		session_id  BIGINT,
		location    TEXT,
		user_agent  TEXT
	)`,
}

const (
	upsertSongSQL = `INSERT INTO songs (song_id, title, artist_id, year, duration)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (song_id) DO NOTHING`
	upsertArtistSQL = `INSERT INTO artists (artist_id, name, location, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (artist_id) DO NOTHING`
	upsertUserSQL = `INSERT INTO users (user_id, first_name, last_name, gender, level)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name  = EXCLUDED.last_name,
			gender     = EXCLUDED.gender,
			level      = EXCLUDED.level`
	insertTimeSQL = `INSERT INTO "time" (start_time, hour, day, week, week_year, year, month, weekday)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	insertSongPlaySQL = `INSERT INTO songplays (start_time, user_id, level, song_id, artist_id, session_id, location, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	lookupSQL = `SELECT s.song_id, a.artist_id
		FROM songs s
		JOIN artists a ON a.artist_id = s.artist_id
		WHERE s.title = $1 AND a.name = $2 AND s.duration = $3
		LIMIT 2`
)

// pool is the subset of *pgxpool.Pool the store uses.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// newPool is a test hook; tests replace it to avoid real connections.
var newPool = func(ctx context.Context, dsn string) (pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	// One writer; per-file transactions are strictly sequential.
	cfg.MaxConns = 1
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Store is a Postgres-backed storage.Store.
type Store struct {
	pool pool
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to dsn and pings the server.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: DSN must not be empty")
	}
	p, err := newPool(ctx, dsn)
	if err != nil {
		return nil, storage.Wrap("postgres: connect", err, classify)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		p.Close()
		return nil, storage.Wrap("postgres: ping", err, classify)
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return storage.Wrap("postgres: create schema", err, classify)
		}
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storage.Wrap("postgres: begin tx", err, classify)
	}
	return &Tx{tx: tx}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Tx wraps a pgx.Tx.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) exec(ctx context.Context, op, stmt string, args ...any) error {
	if _, err := t.tx.Exec(ctx, stmt, args...); err != nil {
		return storage.Wrap("postgres: "+op, err, classify)
	}
	return nil
}

func (t *Tx) UpsertSong(ctx context.Context, s domain.SongRecord) error {
	return t.exec(ctx, "upsert song", upsertSongSQL, s.SongID, s.Title, s.ArtistID, s.Year, s.Duration)
}

func (t *Tx) UpsertArtist(ctx context.Context, a domain.ArtistRecord) error {
	return t.exec(ctx, "upsert artist", upsertArtistSQL, a.ArtistID, a.Name, a.Location, a.Latitude, a.Longitude)
}

func (t *Tx) UpsertUser(ctx context.Context, u domain.UserRecord) error {
	return t.exec(ctx, "upsert user", upsertUserSQL, u.UserID, u.FirstName, u.LastName, u.Gender, u.Level)
}

func (t *Tx) InsertTimeRow(ctx context.Context, r domain.TimeRow) error {
	return t.exec(ctx, "insert time", insertTimeSQL,
		r.StartTime, r.Hour, r.Day, r.Week, r.WeekYear, r.Year, r.Month, r.Weekday)
}

func (t *Tx) InsertSongPlay(ctx context.Context, f domain.SongPlayFact) error {
	return t.exec(ctx, "insert songplay", insertSongPlaySQL,
		f.StartTime, f.UserID, f.Level, f.SongID, f.ArtistID, f.SessionID, f.Location, f.UserAgent)
}

func (t *Tx) LookupSongArtist(ctx context.Context, title, artist string, duration float64) (domain.SongArtist, bool, error) {
	rows, err := t.tx.Query(ctx, lookupSQL, title, artist, duration)
	if err != nil {
		return domain.SongArtist{}, false, storage.Wrap("postgres: lookup", err, classify)
	}
	defer rows.Close()

	var (
		match domain.SongArtist
		n     int
	)
	for rows.Next() {
		n++
		if n > 1 {
			return domain.SongArtist{}, false, fmt.Errorf("postgres: lookup %q by %q: %w", title, artist, domain.ErrLookupAmbiguous)
		}
		if err := rows.Scan(&match.SongID, &match.ArtistID); err != nil {
			return domain.SongArtist{}, false, storage.Wrap("postgres: lookup scan", err, classify)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.SongArtist{}, false, storage.Wrap("postgres: lookup rows", err, classify)
	}
	return match, n == 1, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	return storage.Wrap("postgres: commit", t.tx.Commit(ctx), classify)
}

// Rollback aborts the transaction; a closed transaction is not an error.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return storage.Wrap("postgres: rollback", err, classify)
}

// classify maps SQLSTATE classes to domain error kinds.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "22"):
			// integrity constraint violation, data exception
			return domain.ErrConstraintViolation
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"),
			code == "57P01", code == "57P02", code == "57P03":
			return domain.ErrStoreUnavailable
		}
		return nil
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return domain.ErrStoreUnavailable
	}
	return nil
}
