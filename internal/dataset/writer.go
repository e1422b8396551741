package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	ResultColumn  = "result"
	resultPrefix  = "ai_"
	xlsxSheetName = "Sheet1"
)

// Writer serializes result slots next to the original columns.
type Writer struct {
	log *zap.SugaredLogger
}

func NewWriter(log *zap.SugaredLogger) *Writer {
	return &Writer{log: log}
}

// ResultColumnName picks a result column name that does not collide with any
// existing field.
func ResultColumnName(fields []string) string {
	existing := make(map[string]bool, len(fields))
	for _, f := range fields {
		existing[f] = true
	}

	name := ResultColumn
	for existing[name] {
		name = resultPrefix + name
	}
	return name
}

// Write prepends the result column to the table and saves it to dest. The
// format follows dest's extension. Results shorter than the table are padded
// with empty cells; longer ones are truncated.
func (w *Writer) Write(table *Table, results []string, dest string) (string, error) {
	ext := strings.ToLower(filepath.Ext(dest))
	if !SupportedExt(ext) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create result directory: %w", err)
	}

	column := ResultColumnName(table.Fields)
	if column != ResultColumn {
		w.log.Infow("result_column_renamed", "column", column)
	}

	records := make([][]string, 0, table.Len()+1)
	records = append(records, append([]string{column}, table.Fields...))
	for i, row := range table.Rows {
		record := make([]string, 0, len(table.Fields)+1)
		result := ""
		if i < len(results) {
			result = results[i]
		}
		record = append(record, result)
		for _, f := range table.Fields {
			record = append(record, row[f])
		}
		records = append(records, record)
	}

	var err error
	switch ext {
	case ".csv":
		err = writeCSV(dest, records)
	case ".xlsx":
		err = writeXLSX(dest, records)
	}
	if err != nil {
		return "", err
	}

	w.log.Infow("result_written", "path", dest, "rows", table.Len())
	return dest, nil
}

func writeCSV(dest string, records [][]string) error {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create result file: %w", err)
	}

	cw := csv.NewWriter(f)
	if err := cw.WriteAll(records); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write csv: %w", err)
	}

	return f.Close()
}

func writeXLSX(dest string, records [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}

		values := make([]any, len(record))
		for j, v := range record {
			values[j] = v
		}
		if err := f.SetSheetRow(xlsxSheetName, cell, &values); err != nil {
			return fmt.Errorf("failed to write xlsx row %d: %w", i, err)
		}
	}

	if err := f.SaveAs(dest); err != nil {
		return fmt.Errorf("failed to save xlsx: %w", err)
	}
	return nil
}
