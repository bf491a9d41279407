package pipeline

import (
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"songetl/internal/domain"
	"songetl/internal/loader"
	"songetl/internal/metrics"
	"songetl/internal/skiplog"
	"songetl/internal/storage"
	"songetl/internal/storage/sqldb"
	"songetl/internal/storage/sqlite"
)

const (
	catalogS1 = `{"num_songs": 1, "artist_id": "A1", "artist_latitude": null, "artist_longitude": null, "artist_location": "", "artist_name": "Artist", "song_id": "S1", "title": "Test", "duration": 200.5, "year": 2000}`
	playS1    = `{"artist":"Artist","auth":"Logged In","firstName":"Ann","gender":"F","itemInSession":0,"lastName":"Lee","length":200.5,"level":"free","location":"Here","method":"PUT","page":"NextSong","registration":1.5e12,"sessionId":7,"song":"Test","status":200,"ts":1500000000000,"userAgent":"UA","userId":"42"}`
	playMiss  = `{"artist":"Other","auth":"Logged In","firstName":"Bo","gender":"M","itemInSession":1,"lastName":"Ng","length":99.0,"level":"paid","location":"There","method":"PUT","page":"NextSong","sessionId":8,"song":"Nope","status":200,"ts":1500000001000,"userAgent":"UA","userId":"7"}`
	homeEvent = `{"artist":null,"auth":"Logged In","firstName":"Ann","gender":"F","itemInSession":2,"lastName":"Lee","length":null,"level":"free","location":"Here","method":"GET","page":"Home","sessionId":7,"song":null,"status":200,"ts":1500000002000,"userAgent":"UA","userId":"42"}`
)

// fixture lays out song_data and log_data trees under a temp dir.
type fixture struct {
	root    string
	songDir string
	logDir  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{root: root, songDir: filepath.Join(root, "song_data"), logDir: filepath.Join(root, "log_data")}
	require.NoError(t, os.MkdirAll(f.songDir, 0o755))
	require.NoError(t, os.MkdirAll(f.logDir, 0o755))
	return f
}

func (f fixture) write(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func newSQLite(t *testing.T) *sqldb.Store {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.NewStore(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	return s.(*sqldb.Store)
}

func run(t *testing.T, f fixture, store storage.Store, skips *skiplog.Stats, opts Options) (Summary, error) {
	t.Helper()
	l := loader.New(store, zap.NewNop(), loader.Options{LookupCache: true})
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	opts.SongDir, opts.LogDir = f.songDir, f.logDir
	if opts.Ext == "" {
		opts.Ext = ".json"
	}
	return New(l, skips, zap.NewNop(), opts).Run(context.Background())
}

func count(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestRun_LoadsStarSchema(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "A/A/TRAAA.json", catalogS1)
	f.write(t, f.logDir, "2018/11/2018-11-01-events.json", playS1, homeEvent)

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, sum.SongFilesFound)
	assert.Equal(t, 1, sum.LogFilesFound)
	assert.Equal(t, 2, sum.FilesProcessed())
	assert.Equal(t, loader.Counts{Songs: 1, Artists: 1, Users: 1, Times: 1, SongPlays: 1}, sum.Rows)
	assert.Equal(t, 1, sum.Filtered)
	assert.Zero(t, sum.LookupMisses)
	assert.Empty(t, sum.FailedFile)

	var (
		userID, level    string
		songID, artistID sql.NullString
		startTime        int64
	)
	require.NoError(t, s.DB().QueryRow(
		"SELECT start_time, user_id, level, song_id, artist_id FROM songplays").
		Scan(&startTime, &userID, &level, &songID, &artistID))
	assert.Equal(t, int64(1500000000000), startTime)
	assert.Equal(t, "42", userID)
	assert.Equal(t, "free", level)
	assert.Equal(t, "S1", songID.String)
	assert.Equal(t, "A1", artistID.String)

	var hour, year, weekday int
	require.NoError(t, s.DB().QueryRow(`SELECT hour, year, weekday FROM "time"`).Scan(&hour, &year, &weekday))
	assert.Equal(t, 2, hour)
	assert.Equal(t, 2017, year)
	assert.Equal(t, 4, weekday) // 2017-07-14 was a Friday
}

func TestRun_LookupMissWritesNullKeys(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "TRAAA.json", catalogS1)
	f.write(t, f.logDir, "events.json", playMiss)

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LookupMisses)

	var songID, artistID sql.NullString
	require.NoError(t, s.DB().QueryRow("SELECT song_id, artist_id FROM songplays").Scan(&songID, &artistID))
	assert.False(t, songID.Valid)
	assert.False(t, artistID.Valid)
}

func TestRun_CatalogRerunIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "a.json", catalogS1)
	f.write(t, f.songDir, "b.json", strings.Replace(catalogS1, `"title": "Test"`, `"title": "Renamed"`, 1))

	s := newSQLite(t)
	for i := 0; i < 2; i++ {
		l := loader.New(s, nil, loader.Options{})
		_, err := New(l, nil, nil, Options{SongDir: f.songDir, LogDir: f.logDir, Ext: ".json", CommitEvery: 1}).Run(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, count(t, s.DB(), "songs"))
	assert.Equal(t, 1, count(t, s.DB(), "artists"))

	var title string
	require.NoError(t, s.DB().QueryRow("SELECT title FROM songs WHERE song_id = 'S1'").Scan(&title))
	assert.Equal(t, "Test", title)
}

func TestRun_LaterUserLevelWins(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.logDir, "01.json", playS1)
	f.write(t, f.logDir, "02.json", strings.Replace(playS1, `"level":"free"`, `"level":"paid"`, 1))

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.LogFilesProcessed)

	assert.Equal(t, 1, count(t, s.DB(), "users"))
	assert.Equal(t, 2, count(t, s.DB(), "songplays"))
	assert.Equal(t, 2, count(t, s.DB(), `"time"`))
	var level string
	require.NoError(t, s.DB().QueryRow("SELECT level FROM users WHERE user_id = '42'").Scan(&level))
	assert.Equal(t, "paid", level)
}

func TestRun_EmptyUserIDOnlyNormalisedInFact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.logDir, "events.json", strings.Replace(playS1, `"userId":"42"`, `"userId":""`, 1))

	s := newSQLite(t)
	_, err := run(t, f, s, nil, Options{CommitEvery: 1})
	require.NoError(t, err)

	var factUser, dimUser string
	require.NoError(t, s.DB().QueryRow("SELECT user_id FROM songplays").Scan(&factUser))
	require.NoError(t, s.DB().QueryRow("SELECT user_id FROM users").Scan(&dimUser))
	assert.Equal(t, "0", factUser)
	assert.Equal(t, "", dimUser)
}

func TestRun_SkipsBadLinesAndWritesAuditFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "bad.json", `{"song_id": "S9", "title": "x"}`)
	logPath := f.write(t, f.logDir, "events.json",
		playS1,
		`{not json`,
		strings.Replace(playS1, `"ts":1500000000000`, `"ts":"yesterday"`, 1),
	)

	auditPath := filepath.Join(f.root, "skipped", "skipped.csv")
	skips, err := skiplog.New(auditPath)
	require.NoError(t, err)

	s := newSQLite(t)
	sum, err := run(t, f, s, skips, Options{CommitEvery: 1})
	require.NoError(t, err)
	require.NoError(t, skips.Close())

	assert.Equal(t, map[string]int{"bad_json": 1, "malformed_record": 2}, sum.Skipped)
	assert.Equal(t, 3, sum.SkippedTotal())
	assert.Equal(t, 1, sum.Rows.SongPlays)
	assert.Zero(t, count(t, s.DB(), "songs"))

	fh, err := os.Open(auditPath)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"reason", "file", "line_number", "detail"}, rows[0])
	assert.Equal(t, "malformed_record", rows[1][0])
	assert.Equal(t, []string{"bad_json", logPath, "2"}, rows[2][:3])
	assert.Equal(t, []string{"malformed_record", logPath, "3"}, rows[3][:3])
}

func TestRun_CatalogExtraRecordsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	second := strings.NewReplacer(`"S1"`, `"S2"`, `"A1"`, `"A2"`).Replace(catalogS1)
	f.write(t, f.songDir, "multi.json", catalogS1, second)
	f.write(t, f.songDir, "empty.json")

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CatalogExtraRecords)
	assert.Equal(t, 2, sum.SongFilesProcessed)
	assert.Equal(t, 1, count(t, s.DB(), "songs"))
}

func TestRun_CatalogBadFirstLineSkipsFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "broken.json", `{broken`, catalogS1)

	skips, err := skiplog.New("")
	require.NoError(t, err)
	s := newSQLite(t)
	sum, err := run(t, f, s, skips, Options{CommitEvery: 1})
	require.NoError(t, err)

	assert.Zero(t, count(t, s.DB(), "songs"))
	assert.Zero(t, count(t, s.DB(), "artists"))
	assert.Equal(t, map[string]int{"bad_json": 1}, sum.Skipped)
	assert.Equal(t, 1, sum.CatalogExtraRecords)
	assert.Equal(t, 1, sum.SongFilesProcessed)
}

func TestRun_CatalogBadLaterLineKeepsFirstRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "tail.json", catalogS1, `{broken`)

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 1})
	require.NoError(t, err)

	assert.Equal(t, 1, count(t, s.DB(), "songs"))
	assert.Equal(t, map[string]int{"bad_json": 1}, sum.Skipped)
	assert.Zero(t, sum.CatalogExtraRecords)
}

// failingStore rejects every song play with the given start time.
type failingStore struct {
	storage.Store
	failAt int64
}

func (f *failingStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := f.Store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failAt: f.failAt}, nil
}

type failingTx struct {
	storage.Tx
	failAt int64
}

func (f *failingTx) InsertSongPlay(ctx context.Context, p domain.SongPlayFact) error {
	if p.StartTime == f.failAt {
		return domain.ErrConstraintViolation
	}
	return f.Tx.InsertSongPlay(ctx, p)
}

func TestRun_StoreFailureKeepsEarlierFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.logDir, "01.json", playS1)
	bad := f.write(t, f.logDir, "02.json", playMiss)
	f.write(t, f.logDir, "03.json", strings.Replace(playS1, `"ts":1500000000000`, `"ts":1500000005000`, 1))

	s := newSQLite(t)
	sum, err := run(t, f, &failingStore{Store: s, failAt: 1500000001000}, nil, Options{CommitEvery: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConstraintViolation)

	assert.Equal(t, bad, sum.FailedFile)
	assert.Equal(t, PhaseLogs, sum.FailedPhase)
	assert.Equal(t, 1, sum.LogFilesProcessed)
	assert.Equal(t, 1, sum.Rows.SongPlays)
	assert.Equal(t, 1, count(t, s.DB(), "songplays"))
	assert.Equal(t, 1, count(t, s.DB(), `"time"`))
	assert.Equal(t, 1, count(t, s.DB(), "users"))
}

func TestRun_LogsStoreFailureDistinctly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.logDir, "01.json", playMiss)

	core, logs := observer.New(zap.ErrorLevel)
	s := newSQLite(t)
	l := loader.New(&failingStore{Store: s, failAt: 1500000001000}, nil, loader.Options{})
	t.Cleanup(func() { _ = l.Close(context.Background()) })

	_, err := New(l, nil, zap.New(core), Options{SongDir: f.songDir, LogDir: f.logDir, Ext: ".json", CommitEvery: 1}).
		Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, logs.FilterMessage("store rejected file; run aborted").Len())
	assert.Zero(t, logs.FilterMessage("file could not be processed; run aborted").Len())
}

func TestRun_CommitEveryGroupsFiles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		commitEvery int
		wantPlays   int
		wantFiles   int
	}{
		// Files 01 and 02 share a unit of work, so 02 takes 01 down with it.
		{"pairs", 2, 0, 0},
		{"per phase", 0, 0, 0},
		{"per file", 1, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.write(t, f.logDir, "01.json", playS1)
			f.write(t, f.logDir, "02.json", playMiss)

			s := newSQLite(t)
			sum, err := run(t, f, &failingStore{Store: s, failAt: 1500000001000}, nil, Options{CommitEvery: tc.commitEvery})
			require.Error(t, err)
			assert.Equal(t, tc.wantFiles, sum.LogFilesProcessed)
			assert.Equal(t, tc.wantPlays, count(t, s.DB(), "songplays"))
		})
	}
}

func TestRun_CommitEveryZeroCommitsAtPhaseEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.songDir, "a.json", catalogS1)
	for _, name := range []string{"01.json", "02.json", "03.json"} {
		f.write(t, f.logDir, name, playS1)
	}

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 0})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.LogFilesProcessed)
	assert.Equal(t, 3, count(t, s.DB(), "songplays"))
	assert.Equal(t, 3, sum.Rows.SongPlays)
	assert.Positive(t, sum.LookupCacheHits)
}

func TestRun_MissingDirectory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.logDir = filepath.Join(f.root, "absent")

	sum, err := run(t, f, newSQLite(t), nil, Options{CommitEvery: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discover")
	assert.Zero(t, sum.FilesProcessed())
}

func TestRun_CustomPlayPageAndExtension(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write(t, f.logDir, "events.ndjson", homeEvent)
	f.write(t, f.logDir, "ignored.json", playS1)

	s := newSQLite(t)
	sum, err := run(t, f, s, nil, Options{CommitEvery: 1, Ext: ".ndjson", PlayPage: "Home"})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.LogFilesFound)
	assert.Equal(t, 1, count(t, s.DB(), "songplays"))
	assert.Equal(t, 1, sum.LookupMisses)
}

type recordingBackend struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (r *recordingBackend) IncCounter(name string, v float64, l metrics.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name+"/"+l["kind"]+l["reason"]+l["phase"]] += v
}
func (r *recordingBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (r *recordingBackend) Flush() error                                    { return nil }

// Not parallel: installs a process-wide metrics backend.
func TestRun_RecordsMetrics(t *testing.T) {
	rb := &recordingBackend{counters: map[string]float64{}}
	metrics.SetBackend(rb)
	t.Cleanup(func() { metrics.SetBackend(metrics.Discard) })

	f := newFixture(t)
	f.write(t, f.songDir, "a.json", catalogS1)
	f.write(t, f.logDir, "events.json", playS1, `oops`)

	_, err := run(t, f, newSQLite(t), nil, Options{CommitEvery: 1, Job: "test"})
	require.NoError(t, err)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	assert.Equal(t, 1.0, rb.counters[metrics.RowsTotal+"/songplays"])
	assert.Equal(t, 1.0, rb.counters[metrics.SkippedTotal+"/bad_json"])
	assert.Equal(t, 1.0, rb.counters[metrics.FilesTotal+"/"+PhaseLogs])
}
