// Package json reads newline-delimited JSON (NDJSON / JSON Lines) files into
// generic records.
//
// It is deliberately simple and conservative:
//
//   - One JSON object per physical line:
//     {"song_id":"S1","title":"a"}
//     {"song_id":"S2","title":"b"}
//   - Blank lines are ignored.
//   - A line that is not a JSON object yields a *LineError and the reader moves
//     on to the next line, so one bad line never poisons the rest of the file.
//   - A leading byte-order mark (UTF-8 or UTF-16) is consumed transparently.
//
// Numbers are decoded as json.Number so callers decide how to map them.
package json

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const readBufferBytes = 1 << 20

// LineError reports a line that could not be decoded into an object. It is
// recoverable: the Decoder continues with the next line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("json parser: line %d: %v", e.Line, e.Err) }

func (e *LineError) Unwrap() error { return e.Err }

// IsLineError reports whether err is a recoverable per-line decode failure.
func IsLineError(err error) bool {
	var le *LineError
	return errors.As(err, &le)
}

// Decoder reads one record per line from an underlying reader.
type Decoder struct {
	br   *bufio.Reader
	line int
	done bool
}

// NewDecoder wraps r. A BOM at the start of r is stripped, and UTF-16 input
// announced by a BOM is converted to UTF-8.
func NewDecoder(r io.Reader) *Decoder {
	tr := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	return &Decoder{br: bufio.NewReaderSize(tr, readBufferBytes)}
}

// Line returns the 1-based number of the last physical line read.
func (d *Decoder) Line() int { return d.line }

// Next returns the next record. It returns io.EOF when the input is exhausted,
// a *LineError for a line that is not a JSON object, and any other error for
// an I/O failure (after which the Decoder must not be used).
func (d *Decoder) Next() (Record, error) {
	for {
		if d.done {
			return nil, io.EOF
		}
		raw, err := d.br.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				return nil, fmt.Errorf("json parser: read: %w", err)
			}
			d.done = true
			if len(raw) == 0 {
				return nil, io.EOF
			}
		}
		d.line++

		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		rec, derr := decodeObject(raw)
		if derr != nil {
			return nil, &LineError{Line: d.line, Err: derr}
		}
		return rec, nil
	}
}

// All returns a lazy, single-use sequence over the remaining records. Each
// element is either a record (err == nil) or a per-line error; a fatal read
// error is yielded once and ends the sequence.
func (d *Decoder) All() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, err := d.Next()
			if err == io.EOF {
				return
			}
			if !yield(rec, err) {
				return
			}
			if err != nil && !IsLineError(err) {
				return
			}
		}
	}
}

// DecodeAll is a helper for small inputs and tests. It stops at the first
// error of any kind.
func DecodeAll(r io.Reader) ([]Record, error) {
	var out []Record
	for rec, err := range NewDecoder(r).All() {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeObject(line []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after object")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top-level value is %T, want object", raw)
	}
	return Record(m), nil
}
