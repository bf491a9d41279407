package file

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// ListFiles walks root recursively and returns the absolute paths of regular
// files whose name ends in ext (e.g. ".json"), sorted lexically so runs are
// reproducible. Directories are never returned, even when their name matches.
func ListFiles(root, ext string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	var out []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if ext == "" || strings.HasSuffix(d.Name(), ext) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Strings(out)
	return out, nil
}
