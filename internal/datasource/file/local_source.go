// Package file implements the local filesystem data source: recursive
// discovery of input files and opening them for reading.
package file

import (
	"context"
	"fmt"
	"io"
	"os"

	"songetl/internal/datasource"
)

// Local opens a single file from the local disk.
type Local struct{ path string }

var _ datasource.Source = (*Local)(nil)

// NewLocal returns a Local bound to path.
func NewLocal(path string) *Local { return &Local{path: path} }

// Path returns the bound path.
func (l *Local) Path() string { return l.path }

// Open returns the context error without touching the filesystem when ctx is
// already done. Filesystem errors keep their identity for errors.Is checks.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return f, nil
}
