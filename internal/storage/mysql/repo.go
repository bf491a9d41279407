// Package mysql implements the warehouse on MySQL through database/sql and
// go-sql-driver/mysql. Songs and artists use a no-op ON DUPLICATE KEY UPDATE
// so existing rows are left untouched.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"songetl/internal/domain"
	"songetl/internal/storage"
	"songetl/internal/storage/sqldb"
)

// Dialect is the MySQL statement set.
var Dialect = sqldb.Dialect{
	Name: "mysql",
	Schema: []string{
		"CREATE TABLE IF NOT EXISTS songs (" +
			"song_id VARCHAR(255) NOT NULL PRIMARY KEY," +
			"title VARCHAR(1024) NOT NULL," +
			"artist_id VARCHAR(255) NOT NULL," +
			"year INT NULL," +
			"duration DOUBLE NOT NULL)",
		"CREATE TABLE IF NOT EXISTS artists (" +
			"artist_id VARCHAR(255) NOT NULL PRIMARY KEY," +
			"name VARCHAR(1024) NOT NULL," +
			"location VARCHAR(1024) NULL," +
			"latitude DOUBLE NULL," +
			"longitude DOUBLE NULL)",
		"CREATE TABLE IF NOT EXISTS users (" +
			"user_id VARCHAR(255) NOT NULL PRIMARY KEY," +
			"first_name VARCHAR(255) NULL," +
			"last_name VARCHAR(255) NULL," +
			"gender VARCHAR(32) NULL," +
			"level VARCHAR(32) NULL)",
		"CREATE TABLE IF NOT EXISTS `time` (" +
			"start_time BIGINT NOT NULL," +
			"hour INT NOT NULL," +
			"day INT NOT NULL," +
			"week INT NOT NULL," +
			"week_year INT NOT NULL," +
			"year INT NOT NULL," +
			"month INT NOT NULL," +
			"weekday INT NOT NULL)",
		"CREATE TABLE IF NOT EXISTS songplays (" +
			"songplay_id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
			"start_time BIGINT NOT NULL," +
			"user_id VARCHAR(255) NOT NULL," +
			"level VARCHAR(32) NULL," +
			"song_id VARCHAR(255) NULL," +
			"artist_id VARCHAR(255) NULL," +
			"session_id BIGINT NULL," +
			"location VARCHAR(1024) NULL," +
			"user_agent TEXT NULL)",
	},
	UpsertSong: "INSERT INTO songs (song_id, title, artist_id, year, duration) VALUES (?, ?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE song_id = song_id",
	UpsertArtist: "INSERT INTO artists (artist_id, name, location, latitude, longitude) VALUES (?, ?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE artist_id = artist_id",
	UpsertUser: "INSERT INTO users (user_id, first_name, last_name, gender, level) VALUES (?, ?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE first_name = VALUES(first_name), last_name = VALUES(last_name), " +
		"gender = VALUES(gender), level = VALUES(level)",
	InsertTime: "INSERT INTO `time` (start_time, hour, day, week, week_year, year, month, weekday) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	InsertSongPlay: "INSERT INTO songplays (start_time, user_id, level, song_id, artist_id, session_id, location, user_agent) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
	LookupSongArtist: "SELECT s.song_id, a.artist_id FROM songs s " +
		"JOIN artists a ON a.artist_id = s.artist_id " +
		"WHERE s.title = ? AND a.name = ? AND s.duration = ? LIMIT 2",
	Classify: classify,
}

// Server error numbers, see the MySQL server error reference.
const (
	erDupEntry           = 1062
	erBadNull            = 1048
	erNoReferencedRow    = 1452
	erRowIsReferenced    = 1451
	erDataTooLong        = 1406
	erWarnDataOutOfRange = 1264
	erTruncatedWrongVal  = 1366
	erConCount           = 1040
	erAccessDenied       = 1045
	erServerShutdown     = 1053
	erLockWaitTimeout    = 1205
)

func classify(err error) error {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return domain.ErrStoreUnavailable
	}
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return nil
	}
	switch me.Number {
	case erDupEntry, erBadNull, erNoReferencedRow, erRowIsReferenced,
		erDataTooLong, erWarnDataOutOfRange, erTruncatedWrongVal:
		return domain.ErrConstraintViolation
	case erConCount, erAccessDenied, erServerShutdown, erLockWaitTimeout:
		return domain.ErrStoreUnavailable
	}
	return nil
}

// openDB is a test hook; tests replace it to avoid real connections.
var openDB = func(cfg *mysql.Config) (*sql.DB, error) {
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return sql.OpenDB(conn), nil
}

// NewStore parses dsn (go-sql-driver format, e.g.
// "user:pass@tcp(localhost:3306)/warehouse") and connects.
func NewStore(ctx context.Context, dsn string) (*sqldb.Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("mysql: DSN must not be empty")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	return sqldb.Wrap(ctx, db, Dialect)
}

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		s, err := NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
