// Package dataset reads tabular input files (CSV, XLSX) into ordered rows and
// writes result artifacts next to the original columns.
package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/nadmax/rowpilot/internal/task"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const previewRows = 5

var ErrUnsupportedFormat = errors.New("dataset: unsupported file format")

type Row = map[string]string

// Table holds every row of a dataset in source order.
type Table struct {
	Fields []string
	Rows   []Row
	Ext    string
}

func (t *Table) Len() int {
	return len(t.Rows)
}

func (t *Table) HasField(name string) bool {
	for _, f := range t.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// SupportedExt reports whether a file extension can be read and written.
func SupportedExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".csv", ".xlsx":
		return true
	default:
		return false
	}
}

// ReadFile loads the whole file at path. Empty header cells are renamed and
// empty cells normalize to "".
func ReadFile(path string) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var records [][]string
	var err error
	switch ext {
	case ".csv":
		records, err = readCSV(path)
	case ".xlsx":
		records, err = readXLSX(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}

	table := &Table{Ext: ext, Fields: []string{}, Rows: []Row{}}
	if len(records) == 0 {
		return table, nil
	}

	table.Fields = normalizeHeader(records[0])
	for _, record := range records[1:] {
		row := make(Row, len(table.Fields))
		for i, field := range table.Fields {
			if i < len(record) {
				row[field] = normalizeCell(record[i])
			} else {
				row[field] = ""
			}
		}
		table.Rows = append(table.Rows, row)
	}

	return table, nil
}

// Parse returns the field names and at most limit leading rows of a file.
func Parse(path string, limit int) ([]string, []Row, error) {
	table, err := ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	return table.Fields, Head(table, limit), nil
}

// Preview returns the leading rows shown after an upload.
func Preview(table *Table) []Row {
	return Head(table, previewRows)
}

func Head(table *Table, n int) []Row {
	if len(table.Rows) > n {
		return table.Rows[:n]
	}
	return table.Rows
}

func readCSV(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var records [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

// normalizeHeader names blank columns and suffixes repeated names until every
// field is unique, including against names already present in the header.
func normalizeHeader(header []string) []string {
	fields := make([]string, 0, len(header))
	used := make(map[string]bool, len(header))
	for i, h := range header {
		base := strings.TrimSpace(h)
		if base == "" {
			base = fmt.Sprintf("unnamed_%d", i)
		}
		name := base
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		used[name] = true
		fields = append(fields, name)
	}
	return fields
}

func normalizeCell(v string) string {
	switch strings.TrimSpace(v) {
	case "", "NaN", "nan", "NULL", "null":
		return ""
	default:
		return v
	}
}

// DatasetStore resolves dataset references to registered files.
type DatasetStore interface {
	GetDataset(ctx context.Context, datasetID string) (*task.Dataset, error)
}

// Loader loads the rows behind a registered dataset.
type Loader struct {
	store DatasetStore
	log   *zap.SugaredLogger
}

func NewLoader(store DatasetStore, log *zap.SugaredLogger) *Loader {
	return &Loader{store: store, log: log}
}

func (l *Loader) Load(ctx context.Context, datasetID string) (*Table, error) {
	ds, err := l.store.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(ds.FilePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: dataset file %s", task.ErrNotFound, ds.FilePath)
		}
		return nil, err
	}

	table, err := ReadFile(ds.FilePath)
	if err != nil {
		l.log.Errorw("dataset_load_failed", "dataset_id", datasetID, "path", ds.FilePath, "error", err)
		return nil, err
	}

	l.log.Debugw("dataset_loaded", "dataset_id", datasetID, "rows", table.Len(), "fields", len(table.Fields))
	return table, nil
}
