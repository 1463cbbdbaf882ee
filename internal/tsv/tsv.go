package tsv

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/kalambet/mwahaha/internal/fsutil"
	"github.com/kalambet/mwahaha/internal/result"
	"github.com/kalambet/mwahaha/internal/task"
)

// ErrMalformed is returned for files that cannot be parsed as the expected
// tab-separated layout.
var ErrMalformed = errors.New("malformed tsv")

const (
	idColumn   = "id"
	textColumn = "text"
)

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}

func readAll(path string) ([]string, [][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	records, err := newReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%w: %s: missing header", ErrMalformed, path)
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = strings.TrimSpace(h)
	}
	return header, records[1:], nil
}

func column(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

// ReadRows reads a task input file. The file must have a header with an id
// column; ids must be non-empty and unique. File order is preserved.
func ReadRows(path string) ([]task.Row, error) {
	header, records, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	idIdx := column(header, idColumn)
	if idIdx < 0 {
		return nil, fmt.Errorf("%w: %s: no %q column", ErrMalformed, path, idColumn)
	}

	rows := make([]task.Row, 0, len(records))
	seen := make(map[string]int, len(records))
	for n, rec := range records {
		line := n + 2
		if idIdx >= len(rec) || strings.TrimSpace(rec[idIdx]) == "" {
			return nil, fmt.Errorf("%w: %s line %d: empty id", ErrMalformed, path, line)
		}
		id := strings.TrimSpace(rec[idIdx])
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s line %d: duplicate id %q (first on line %d)", ErrMalformed, path, line, id, prev)
		}
		seen[id] = line

		fields := make(map[string]string, len(header)-1)
		for i, h := range header {
			if i == idIdx || h == "" {
				continue
			}
			if i < len(rec) {
				fields[h] = rec[i]
			}
		}
		rows = append(rows, task.Row{ID: id, Fields: fields})
	}
	return rows, nil
}

// IDs returns row ids in order.
func IDs(rows []task.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

// ReadRecords reads a result file. A missing file is an empty set.
// Duplicates and unknown ids are kept as-is for reconciliation.
func ReadRecords(path string) (result.Set, error) {
	header, records, err := readAll(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result.Set{}, nil
		}
		return nil, fmt.Errorf("reading results: %w", err)
	}
	idIdx, textIdx := column(header, idColumn), column(header, textColumn)
	if idIdx < 0 || textIdx < 0 {
		return nil, fmt.Errorf("%w: %s: want columns %q and %q", ErrMalformed, path, idColumn, textColumn)
	}

	set := make(result.Set, 0, len(records))
	for _, rec := range records {
		if idIdx >= len(rec) {
			continue
		}
		id := strings.TrimSpace(rec[idIdx])
		if id == "" {
			continue
		}
		var text string
		if textIdx < len(rec) {
			text = rec[textIdx]
		}
		set = append(set, result.Record{ID: id, Text: text})
	}
	return set, nil
}

// Encode renders set as a two-column id/text TSV.
func Encode(set result.Set) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	if err := w.Write([]string{idColumn, textColumn}); err != nil {
		return nil, err
	}
	for _, r := range set {
		if err := w.Write([]string{r.ID, r.Text}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteRecords atomically replaces path with set.
func WriteRecords(path string, set result.Set) error {
	data, err := Encode(set)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	if err := fsutil.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing results: %w", err)
	}
	return nil
}
