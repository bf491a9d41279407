package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"songetl/internal/datasource/file"
	"songetl/internal/domain"
	"songetl/internal/loader"
	jsonparser "songetl/internal/parser/json"
	"songetl/internal/transformer"
)

// ReasonBadJSON labels lines that are not a JSON object.
const ReasonBadJSON = "bad_json"

type skipEntry struct {
	reason string
	line   int
	detail string
}

// fileResult is what one file contributed to the open unit of work. It only
// reaches the summary once that unit of work commits.
type fileResult struct {
	path            string
	rows            loader.Counts
	skips           []skipEntry
	filtered        int
	lookupMisses    int
	lookupAmbiguous int
	extraRecords    int
}

func (r *fileResult) skip(reason string, line int, err error) {
	r.skips = append(r.skips, skipEntry{reason: reason, line: line, detail: err.Error()})
}

// readRecords decodes path and returns its records with their line numbers.
// Lines that are not JSON objects are recorded as skips on res.
func readRecords(ctx context.Context, path string, res *fileResult) ([]transformer.RawEvent, error) {
	rc, err := file.NewLocal(path).Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := jsonparser.NewDecoder(rc)
	var out []transformer.RawEvent
	for rec, err := range dec.All() {
		if err != nil {
			var le *jsonparser.LineError
			if errors.As(err, &le) {
				res.skip(ReasonBadJSON, le.Line, le.Err)
				continue
			}
			return nil, err
		}
		out = append(out, transformer.RawEvent{Line: dec.Line(), Rec: rec})
	}
	return out, nil
}

// loadSongFile writes the song and artist rows of the first record in a
// catalog file. Further records are counted and ignored.
func (p *Processor) loadSongFile(ctx context.Context, path string) (fileResult, error) {
	res := fileResult{path: path}
	recs, err := readRecords(ctx, path, &res)
	if err != nil {
		return res, err
	}
	// A bad first line is the file's record; later lines never stand in for it.
	if len(res.skips) > 0 && (len(recs) == 0 || res.skips[0].line < recs[0].Line) {
		res.extraRecords = len(recs)
		p.log.Warn("catalog file's first record is not valid JSON; file skipped",
			zap.String("path", path), zap.Int("ignored", len(recs)))
		return res, nil
	}
	if len(recs) == 0 {
		p.log.Warn("catalog file has no records", zap.String("path", path))
		return res, nil
	}
	if extra := len(recs) - 1; extra > 0 {
		res.extraRecords = extra
		p.log.Warn("catalog file has more than one record; only the first is loaded",
			zap.String("path", path), zap.Int("ignored", extra))
	}

	first := recs[0]
	song, artist, err := transformer.TransformCatalog(first.Rec)
	if err != nil {
		var re *domain.RecordError
		if errors.As(err, &re) {
			re.Line = first.Line
		}
		res.skip(domain.SkipReason(err), first.Line, err)
		return res, nil
	}

	before := p.loader.Pending()
	if err := p.loader.UpsertSong(ctx, song); err != nil {
		return res, err
	}
	if err := p.loader.UpsertArtist(ctx, artist); err != nil {
		return res, err
	}
	res.rows = diff(p.loader.Pending(), before)
	return res, nil
}

// loadLogFile transforms one event log and writes its time, user and songplay
// rows in that order.
func (p *Processor) loadLogFile(ctx context.Context, path string) (fileResult, error) {
	res := fileResult{path: path}
	events, err := readRecords(ctx, path, &res)
	if err != nil {
		return res, err
	}

	batch, err := p.events.Transform(ctx, events, p.loader.LookupSongArtist)
	if err != nil {
		return res, err
	}
	for _, s := range batch.Skips {
		res.skip(s.Reason, s.Line, s.Err)
	}
	res.filtered = batch.Filtered
	res.lookupMisses = batch.LookupMisses
	res.lookupAmbiguous = batch.LookupAmbiguous

	before := p.loader.Pending()
	for _, t := range batch.Times {
		if err := p.loader.InsertTimeRow(ctx, t); err != nil {
			return res, fmt.Errorf("time row %d: %w", t.StartTime, err)
		}
	}
	for _, u := range batch.Users {
		if err := p.loader.UpsertUser(ctx, u); err != nil {
			return res, fmt.Errorf("user %q: %w", u.UserID, err)
		}
	}
	for _, f := range batch.Plays {
		if err := p.loader.InsertSongPlay(ctx, f); err != nil {
			return res, fmt.Errorf("songplay at %d: %w", f.StartTime, err)
		}
	}
	res.rows = diff(p.loader.Pending(), before)
	return res, nil
}

func diff(after, before loader.Counts) loader.Counts {
	return loader.Counts{
		Songs:     after.Songs - before.Songs,
		Artists:   after.Artists - before.Artists,
		Users:     after.Users - before.Users,
		Times:     after.Times - before.Times,
		SongPlays: after.SongPlays - before.SongPlays,
	}
}
