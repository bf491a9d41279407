// Package transformer turns decoded JSON records into warehouse rows. Every
// function here is pure except for the catalog lookup, which the event
// transformer receives as a capability from the loader.
package transformer

import (
	"fmt"

	"songetl/internal/domain"
	jsonparser "songetl/internal/parser/json"
)

// Catalog field names as they appear in the song dataset.
const (
	fieldSongID          = "song_id"
	fieldTitle           = "title"
	fieldArtistID        = "artist_id"
	fieldYear            = "year"
	fieldDuration        = "duration"
	fieldArtistName      = "artist_name"
	fieldArtistLocation  = "artist_location"
	fieldArtistLatitude  = "artist_latitude"
	fieldArtistLongitude = "artist_longitude"
)

// TransformCatalog projects one catalog record onto a song row and an artist
// row. song_id, artist_id, title and duration are required; a missing or
// mistyped required field yields ErrMalformedRecord and no rows.
func TransformCatalog(rec jsonparser.Record) (domain.SongRecord, domain.ArtistRecord, error) {
	var (
		song   domain.SongRecord
		artist domain.ArtistRecord
	)

	songID, err := requiredString(rec, fieldSongID)
	if err != nil {
		return song, artist, err
	}
	artistID, err := requiredString(rec, fieldArtistID)
	if err != nil {
		return song, artist, err
	}
	title, ok, err := rec.String(fieldTitle)
	if err != nil || !ok {
		return song, artist, malformed(fieldTitle, err)
	}
	duration, ok, err := rec.Float(fieldDuration)
	if err != nil || !ok {
		return song, artist, malformed(fieldDuration, err)
	}
	if duration <= 0 {
		return song, artist, malformed(fieldDuration, fmt.Errorf("duration %v must be positive", duration))
	}

	song = domain.SongRecord{
		SongID:   songID,
		Title:    title,
		ArtistID: artistID,
		Duration: duration,
	}
	year, ok, err := rec.Int(fieldYear)
	if err != nil {
		return song, artist, malformed(fieldYear, err)
	}
	if ok {
		if year < 0 {
			return song, artist, malformed(fieldYear, fmt.Errorf("year %d is negative", year))
		}
		y := int(year)
		song.Year = &y
	}

	name, _, err := rec.String(fieldArtistName)
	if err != nil {
		return song, artist, malformed(fieldArtistName, err)
	}
	artist = domain.ArtistRecord{ArtistID: artistID, Name: name}

	if loc, ok, err := rec.String(fieldArtistLocation); err != nil {
		return song, artist, malformed(fieldArtistLocation, err)
	} else if ok {
		artist.Location = &loc
	}
	if lat, ok, err := rec.Float(fieldArtistLatitude); err != nil {
		return song, artist, malformed(fieldArtistLatitude, err)
	} else if ok {
		artist.Latitude = &lat
	}
	if lon, ok, err := rec.Float(fieldArtistLongitude); err != nil {
		return song, artist, malformed(fieldArtistLongitude, err)
	} else if ok {
		artist.Longitude = &lon
	}

	return song, artist, nil
}

// requiredString fetches a non-empty string key.
func requiredString(rec jsonparser.Record, key string) (string, error) {
	s, ok, err := rec.String(key)
	if err != nil {
		return "", malformed(key, err)
	}
	if !ok || s == "" {
		return "", malformed(key, nil)
	}
	return s, nil
}

func malformed(field string, err error) error {
	return &domain.RecordError{Kind: domain.ErrMalformedRecord, Field: field, Err: err}
}
