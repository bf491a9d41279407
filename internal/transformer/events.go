package transformer

import (
	"context"
	"errors"
	"fmt"

	"songetl/internal/domain"
	jsonparser "songetl/internal/parser/json"
)

// DefaultPlayPage is the page value that marks an actual song play.
const DefaultPlayPage = "NextSong"

// Lookup resolves (title, artist, duration) to catalog keys. It returns
// ok=false when nothing matches; domain.ErrLookupAmbiguous is treated as a
// miss, any other error aborts the batch.
type Lookup func(ctx context.Context, title, artist string, duration float64) (domain.SongArtist, bool, error)

// RawEvent is one decoded log line with its position in the file.
type RawEvent struct {
	Line int
	Rec  jsonparser.Record
}

// Skip records a play event that was dropped because it could not be
// transformed.
type Skip struct {
	Line   int
	Reason string
	Err    error
}

// EventBatch holds the rows derived from one log file. The three row slices
// are index-aligned with the retained play events and keep file order.
type EventBatch struct {
	Times []domain.TimeRow
	Users []domain.UserRecord
	Plays []domain.SongPlayFact

	Filtered        int // non-play events dropped silently
	Skips           []Skip
	LookupMisses    int
	LookupAmbiguous int
}

// EventTransformer filters a raw log batch down to play events and derives
// the time, user and songplay rows for each.
type EventTransformer struct {
	// PlayPage is the page value retained; DefaultPlayPage when empty.
	PlayPage string
}

func (t EventTransformer) playPage() string {
	if t.PlayPage == "" {
		return DefaultPlayPage
	}
	return t.PlayPage
}

// Transform processes events in order. A malformed play event is skipped and
// recorded in EventBatch.Skips; a lookup failure other than ambiguity is
// returned as an error together with the rows built so far.
func (t EventTransformer) Transform(ctx context.Context, events []RawEvent, lookup Lookup) (EventBatch, error) {
	var b EventBatch
	page := t.playPage()

	for _, raw := range events {
		p, _, err := raw.Rec.String("page")
		if err != nil || p != page {
			b.Filtered++
			continue
		}

		ev, err := ParseEvent(raw.Rec, raw.Line)
		if err != nil {
			b.Skips = append(b.Skips, Skip{Line: raw.Line, Reason: domain.SkipReason(err), Err: err})
			continue
		}
		if ev.TS == nil {
			err := &domain.RecordError{Kind: domain.ErrMalformedRecord, Field: "ts", Line: raw.Line}
			b.Skips = append(b.Skips, Skip{Line: raw.Line, Reason: domain.SkipReason(err), Err: err})
			continue
		}
		tr, err := DeriveTime(*ev.TS)
		if err != nil {
			var re *domain.RecordError
			if errors.As(err, &re) {
				re.Line = raw.Line
			}
			b.Skips = append(b.Skips, Skip{Line: raw.Line, Reason: domain.SkipReason(err), Err: err})
			continue
		}

		var match domain.SongArtist
		found := false
		if ev.Song != nil && ev.Artist != nil && ev.Length != nil && lookup != nil {
			match, found, err = lookup(ctx, *ev.Song, *ev.Artist, *ev.Length)
			switch {
			case errors.Is(err, domain.ErrLookupAmbiguous):
				b.LookupAmbiguous++
				found = false
			case err != nil:
				return b, fmt.Errorf("transformer: lookup line %d: %w", raw.Line, err)
			}
		}
		if !found {
			b.LookupMisses++
		}

		b.Times = append(b.Times, tr)
		b.Users = append(b.Users, userFromEvent(ev))
		b.Plays = append(b.Plays, factFromEvent(ev, match, found))
	}
	return b, nil
}

// ParseEvent converts a decoded log line into a typed EventRecord. Absent
// optional fields stay nil or zero; a field of the wrong type is
// ErrMalformedRecord.
func ParseEvent(rec jsonparser.Record, line int) (domain.EventRecord, error) {
	ev := domain.EventRecord{Line: line}

	strs := []struct {
		key string
		dst *string
	}{
		{"auth", &ev.Auth},
		{"firstName", &ev.FirstName},
		{"gender", &ev.Gender},
		{"lastName", &ev.LastName},
		{"level", &ev.Level},
		{"location", &ev.Location},
		{"method", &ev.Method},
		{"page", &ev.Page},
		{"userAgent", &ev.UserAgent},
		{"userId", &ev.UserID},
	}
	for _, s := range strs {
		v, _, err := rec.String(s.key)
		if err != nil {
			return ev, recordErr(s.key, line, err)
		}
		*s.dst = v
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"itemInSession", &ev.ItemInSession},
		{"sessionId", &ev.SessionID},
		{"status", &ev.Status},
	}
	for _, n := range ints {
		v, _, err := rec.Int(n.key)
		if err != nil {
			return ev, recordErr(n.key, line, err)
		}
		*n.dst = v
	}

	if v, ok, err := rec.String("song"); err != nil {
		return ev, recordErr("song", line, err)
	} else if ok {
		ev.Song = &v
	}
	if v, ok, err := rec.String("artist"); err != nil {
		return ev, recordErr("artist", line, err)
	} else if ok {
		ev.Artist = &v
	}
	if v, ok, err := rec.Float("length"); err != nil {
		return ev, recordErr("length", line, err)
	} else if ok {
		ev.Length = &v
	}
	if v, ok, err := rec.Float("registration"); err != nil {
		return ev, recordErr("registration", line, err)
	} else if ok {
		ev.Registration = &v
	}
	if v, ok, err := rec.Int("ts"); err != nil {
		return ev, recordErr("ts", line, err)
	} else if ok {
		ev.TS = &v
	}
	return ev, nil
}

// userFromEvent keeps the raw user id, including the empty string.
func userFromEvent(ev domain.EventRecord) domain.UserRecord {
	return domain.UserRecord{
		UserID:    ev.UserID,
		FirstName: ev.FirstName,
		LastName:  ev.LastName,
		Gender:    ev.Gender,
		Level:     ev.Level,
	}
}

// factFromEvent normalises an empty user id to domain.UnknownUserID. The
// users dimension is written with the raw id; the two differ on purpose.
func factFromEvent(ev domain.EventRecord, m domain.SongArtist, found bool) domain.SongPlayFact {
	f := domain.SongPlayFact{
		StartTime: *ev.TS,
		UserID:    ev.UserID,
		Level:     ev.Level,
		SessionID: ev.SessionID,
		Location:  ev.Location,
		UserAgent: ev.UserAgent,
	}
	if f.UserID == "" {
		f.UserID = domain.UnknownUserID
	}
	if found {
		songID, artistID := m.SongID, m.ArtistID
		f.SongID = &songID
		f.ArtistID = &artistID
	}
	return f
}

func recordErr(field string, line int, err error) error {
	return &domain.RecordError{Kind: domain.ErrMalformedRecord, Field: field, Line: line, Err: err}
}
