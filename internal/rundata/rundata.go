// Copyright Mia srl
// SPDX-License-Identifier: AGPL-3.0-only or Commercial

package rundata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mia-platform/furcate/internal/config"
)

const (
	// RunDataFile is the ledger file name inside the experiment log directory.
	RunDataFile = "run_data.csv"

	// StatusCompleted marks a run whose fork exited successfully.
	StatusCompleted = "completed"

	runIDColumn    = "run_id"
	statusColumn   = "status"
	durationColumn = "duration_seconds"
)

// resultColumns are appended after the run value columns on every row.
var resultColumns = []string{runIDColumn, statusColumn, durationColumn}

// Result is the disposition recorded next to a completed run's values.
type Result struct {
	RunID    string
	Status   string
	Duration time.Duration
}

// Store reads and appends the completed run ledger of one experiment.
// It is safe for concurrent use.
type Store struct {
	path string

	lock    sync.Mutex
	columns []string
}

// Open binds a store to the ledger inside dir. The file itself is created
// lazily by the first Append.
func Open(dir string) *Store {
	return &Store{path: filepath.Join(dir, RunDataFile)}
}

// Path returns the ledger file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns one value map per recorded run. A ledger that does not
// exist yet yields no rows and no error.
func (s *Store) Load() ([]map[string]any, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("opening run ledger: %w", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading run ledger %q: %w", s.path, err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	s.columns = header

	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]any, len(header))
		for index, column := range header {
			if index < len(row) {
				record[column] = row[index]
			}
		}
		records = append(records, record)
	}

	return records, nil
}

// Append records one completed run. The first append fixes the column
// order: the run's keys in lexical order, meta excluded, followed by the
// result columns. Later rows follow the existing header; values for keys
// the header does not name are dropped.
func (s *Store) Append(values map[string]any, result Result) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if err := s.loadColumns(values); err != nil {
		return err
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening run ledger: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("opening run ledger: %w", err)
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(s.columns); err != nil {
			return fmt.Errorf("writing run ledger header: %w", err)
		}
	}

	if err := writer.Write(s.row(values, result)); err != nil {
		return fmt.Errorf("writing run ledger row: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("writing run ledger row: %w", err)
	}

	return nil
}

// loadColumns fixes the column order from the existing header, or from the
// values about to be written when the ledger is new.
func (s *Store) loadColumns(values map[string]any) error {
	if len(s.columns) > 0 {
		return nil
	}

	file, err := os.Open(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.columns = newHeader(values)
		return nil
	case err != nil:
		return fmt.Errorf("opening run ledger: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("reading run ledger header %q: %w", s.path, err)
	}

	s.columns = header
	return nil
}

func (s *Store) row(values map[string]any, result Result) []string {
	row := make([]string, 0, len(s.columns))
	for _, column := range s.columns {
		switch column {
		case runIDColumn:
			row = append(row, result.RunID)
		case statusColumn:
			row = append(row, result.Status)
		case durationColumn:
			row = append(row, strconv.FormatFloat(result.Duration.Seconds(), 'f', 3, 64))
		default:
			row = append(row, config.Canonical(values[column]))
		}
	}

	return row
}

func newHeader(values map[string]any) []string {
	keys := make([]string, 0, len(values)+len(resultColumns))
	for key := range values {
		if key == config.MetaKey {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return append(keys, resultColumns...)
}
