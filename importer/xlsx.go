package importer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// xlsxSource adapts an XLSX workbook's first sheet to the rowSource
// interface so CSV and XLSX exports share one parse path.
type xlsxSource struct {
	file *excelize.File
	rows *excelize.Rows
}

func newXLSXSource(data []byte) (*xlsxSource, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return &xlsxSource{file: f, rows: rows}, nil
}

func (s *xlsxSource) Next() ([]string, error) {
	if !s.rows.Next() {
		if err := s.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	record, err := s.rows.Columns()
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *xlsxSource) Close() error {
	_ = s.rows.Close()
	return s.file.Close()
}

// NewParserForFile picks the parse path from the uploaded file's name.
func NewParserForFile(fileName string, data []byte) (*Parser, error) {
	if strings.HasSuffix(strings.ToLower(fileName), ".xlsx") {
		src, err := newXLSXSource(data)
		if err != nil {
			return nil, err
		}
		return NewParser(src), nil
	}
	return NewCSVParser(bytes.NewReader(data)), nil
}
