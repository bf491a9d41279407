// Package domain holds the business objects of the song-play warehouse: the
// catalog-derived song and artist dimensions, the raw log event, and the rows
// derived from each play (time, user, songplay fact).
//
// Nullable columns are modelled as pointers; a nil pointer is written as SQL
// NULL by every storage backend.
package domain

// SongRecord is one row of the songs dimension. Immutable once written.
type SongRecord struct {
	SongID   string
	Title    string
	ArtistID string
	Year     *int // nil when the catalog does not know the year
	Duration float64
}

// ArtistRecord is one row of the artists dimension. Immutable once written.
type ArtistRecord struct {
	ArtistID  string
	Name      string
	Location  *string
	Latitude  *float64
	Longitude *float64
}

// EventRecord is a single raw entry of a log batch. Fields are kept as close to
// the source as possible; numeric ids arrive as strings or numbers and are
// normalised by the JSON reader.
type EventRecord struct {
	Line          int // 1-based line within the source file
	Artist        *string
	Auth          string
	FirstName     string
	Gender        string
	ItemInSession int64
	LastName      string
	Length        *float64
	Level         string
	Location      string
	Method        string
	Page          string
	Registration  *float64
	SessionID     int64
	Song          *string
	Status        int64
	TS            *int64 // epoch milliseconds
	UserAgent     string
	UserID        string
}

// TimeRow is one row of the time dimension. StartTime is the verbatim epoch
// millisecond value of the event; every other field is derived from it in UTC.
type TimeRow struct {
	StartTime int64
	Hour      int
	Day       int
	Week      int // ISO 8601 week number
	WeekYear  int // ISO 8601 week-numbering year that Week belongs to
	Year      int // Gregorian calendar year
	Month     int
	Weekday   int // Monday=0 ... Sunday=6
}

// UserRecord is a snapshot of a user taken from a play event. The same UserID
// may recur with a different Level; the latest write wins.
type UserRecord struct {
	UserID    string // may be empty: unknown user
	FirstName string
	LastName  string
	Gender    string
	Level     string
}

// UnknownUserID is written to the fact table when the raw user id is empty.
const UnknownUserID = "0"

// SongPlayFact is one row of the songplays fact table.
type SongPlayFact struct {
	StartTime int64
	UserID    string
	Level     string
	SongID    *string // nil when the catalog lookup misses
	ArtistID  *string
	SessionID int64
	Location  string
	UserAgent string
}

// SongArtist is the result of a successful catalog lookup.
type SongArtist struct {
	SongID   string
	ArtistID string
}
