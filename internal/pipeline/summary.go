package pipeline

import (
	"time"

	"go.uber.org/zap"

	"songetl/internal/loader"
)

// Summary reports a run. Row and skip counts cover committed files only.
type Summary struct {
	RunID string

	SongFilesFound     int
	LogFilesFound      int
	SongFilesProcessed int
	LogFilesProcessed  int

	Rows    loader.Counts
	Skipped map[string]int // per reason, e.g. malformed_record, bad_json

	Filtered            int // non-play events dropped
	LookupMisses        int // plays written with null song_id/artist_id
	LookupAmbiguous     int // misses caused by more than one catalog match
	LookupCacheHits     int
	CatalogExtraRecords int // catalog records after the first in a file

	FailedPhase string
	FailedFile  string
	Duration    time.Duration
}

// FilesProcessed is the number of committed files over both phases.
func (s Summary) FilesProcessed() int { return s.SongFilesProcessed + s.LogFilesProcessed }

// SkippedTotal is the number of skipped records over all reasons.
func (s Summary) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// Fields renders the summary for structured logging.
func (s Summary) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Int("song_files_found", s.SongFilesFound),
		zap.Int("log_files_found", s.LogFilesFound),
		zap.Int("files_processed", s.FilesProcessed()),
		zap.Int("rows_songs", s.Rows.Songs),
		zap.Int("rows_artists", s.Rows.Artists),
		zap.Int("rows_users", s.Rows.Users),
		zap.Int("rows_time", s.Rows.Times),
		zap.Int("rows_songplays", s.Rows.SongPlays),
		zap.Any("skipped", s.Skipped),
		zap.Int("filtered", s.Filtered),
		zap.Int("lookup_misses", s.LookupMisses),
		zap.Int("lookup_ambiguous", s.LookupAmbiguous),
		zap.Int("lookup_cache_hits", s.LookupCacheHits),
		zap.Int("catalog_extra_records", s.CatalogExtraRecords),
		zap.Duration("duration", s.Duration),
	}
	if s.FailedFile != "" {
		fields = append(fields, zap.String("failed_phase", s.FailedPhase), zap.String("failed_file", s.FailedFile))
	}
	return fields
}
