// Package archive bundles task outputs into a single zip.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kalambet/mwahaha/internal/fsutil"
)

// ErrEmpty is returned when none of the requested files exist.
var ErrEmpty = errors.New("no files to archive")

// Result lists what went into the archive.
type Result struct {
	Path    string
	Added   []string
	Missing []string
}

// Create writes a deflate zip at dest holding each of names read from dir,
// stored flat under its base name. Missing files are reported, not fatal,
// unless nothing at all could be added. The zip replaces dest atomically.
func Create(dest, dir string, names []string) (Result, error) {
	res := Result{Path: dest}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			res.Missing = append(res.Missing, name)
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("reading %s: %w", name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: filepath.Base(name), Method: zip.Deflate})
		if err != nil {
			return Result{}, fmt.Errorf("adding %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return Result{}, fmt.Errorf("adding %s: %w", name, err)
		}
		res.Added = append(res.Added, name)
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("finishing zip: %w", err)
	}
	if len(res.Added) == 0 {
		return res, ErrEmpty
	}

	if err := fsutil.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return Result{}, fmt.Errorf("writing archive: %w", err)
	}
	return res, nil
}
