package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// csvFile is an open journal file with the column order fixed by its
// header row.
type csvFile struct {
	file    *os.File
	writer  *csv.Writer
	headers []string
}

// CSVSink appends events to one CSV file per kind under outputDir. The
// header of a new file is the sorted key set of the first event written to
// it; existing files keep their header, and keys missing from it are
// dropped.
type CSVSink struct {
	outputDir string
	mu        sync.Mutex
	files     map[string]*csvFile
}

// NewCSVSink creates outputDir if needed.
func NewCSVSink(outputDir string) (*CSVSink, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit output directory: %w", err)
	}
	return &CSVSink{
		outputDir: outputDir,
		files:     make(map[string]*csvFile),
	}, nil
}

func (s *CSVSink) Write(_ context.Context, evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := evt.Kind()
	cf, ok := s.files[kind]
	if !ok {
		var err error
		cf, err = s.open(kind, evt)
		if err != nil {
			return err
		}
		s.files[kind] = cf
	}

	row := make([]string, len(cf.headers))
	for i, key := range cf.headers {
		if v, ok := evt[key]; ok && v != nil {
			row[i] = fmt.Sprint(v)
		}
	}

	if err := cf.writer.Write(row); err != nil {
		return err
	}
	cf.writer.Flush()
	return cf.writer.Error()
}

func (s *CSVSink) open(kind string, evt Event) (*csvFile, error) {
	fp := filepath.Join(s.outputDir, kind+".csv")

	f, err := os.OpenFile(fp, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file %s: %w", fp, err)
	}

	// A file from a previous run dictates the column order.
	headers, err := csv.NewReader(f).Read()
	if err == io.EOF {
		headers = extractHeaders(evt)
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write audit header for %s: %w", fp, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to flush audit header for %s: %w", fp, err)
		}
	} else if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read audit header for %s: %w", fp, err)
	}

	return &csvFile{file: f, writer: csv.NewWriter(f), headers: headers}, nil
}

// Close flushes and closes every open file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for kind, cf := range s.files {
		cf.writer.Flush()
		if err := cf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, kind)
	}
	return firstErr
}

// extractHeaders returns the event keys sorted alphabetically.
func extractHeaders(evt Event) []string {
	headers := make([]string, 0, len(evt))
	for k := range evt {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}
