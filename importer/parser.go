package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// The export is a multi-row-per-receipt layout: a summary row with a blank
// item, a "Service Charge" row carrying the receipt's service charge in the
// Service Charge column, one row per sold line item, and a trailing
// "Payment: ..." breakdown row. Only item rows become fact rows; the others
// are counted as skipped.

type RowKind int

const (
	RowKindItem RowKind = iota
	RowKindServiceCharge
	RowKindPayment
	RowKindBlank
)

// Source timestamps are naive local time in the export.
var sourceLocation = time.FixedZone("UTC+8", 8*60*60)

// Row is one normalized line of the export. Numeric fields that were empty in
// the source are zero; Err is set when the row failed structural parsing and
// the remaining fields are not meaningful.
type Row struct {
	RowNumber int
	Kind      RowKind

	ReceiptNumber string
	ItemName      string
	Category      string
	StoreName     string

	Quantity      int
	UnitPrice     decimal.Decimal
	Subtotal      decimal.Decimal
	HasSubtotal   bool
	Tax           decimal.Decimal
	ServiceCharge decimal.Decimal
	Discount      decimal.Decimal

	Timestamp    time.Time
	HasTimestamp bool

	Err error
}

// rowSource yields raw records from one file format. io.EOF ends iteration.
type rowSource interface {
	Next() ([]string, error)
	Close() error
}

type csvSource struct {
	reader *csv.Reader
}

func newCSVSource(r io.Reader) *csvSource {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return &csvSource{reader: cr}
}

func (s *csvSource) Next() ([]string, error) { return s.reader.Read() }
func (s *csvSource) Close() error            { return nil }

// Canonical column keys. Header cells are matched case-insensitively with
// spaces and underscores stripped, so "Receipt Number", "receipt_number" and
// "Receipt_Number" all land on the same key.
const (
	colReceipt       = "receiptnumber"
	colItem          = "item"
	colCategory      = "category"
	colStore         = "store"
	colQuantity      = "quantity"
	colQty           = "qty"
	colPrice         = "price"
	colUnitPrice     = "unitprice"
	colSubtotal      = "subtotal"
	colTax           = "tax"
	colServiceCharge = "servicecharge"
	colDiscount      = "discount"
	colTime          = "time"
	colDate          = "date"
	colTimestamp     = "timestamp"
)

var ErrMissingItemColumn = errors.New("file must contain an Item column")

// Parser walks a rowSource lazily: rows are decoded one at a time and the
// sequence is not restartable.
type Parser struct {
	src        rowSource
	cols       map[string]int
	rowNum     int
	headerDone bool
	done       bool
}

func NewParser(src rowSource) *Parser {
	return &Parser{src: src}
}

func NewCSVParser(r io.Reader) *Parser {
	return NewParser(newCSVSource(r))
}

func normalizeHeader(cell string) string {
	cell = strings.ToLower(strings.TrimSpace(cell))
	cell = strings.ReplaceAll(cell, " ", "")
	cell = strings.ReplaceAll(cell, "_", "")
	return cell
}

func (p *Parser) readHeader() error {
	record, err := p.src.Next()
	if err != nil {
		if err == io.EOF {
			return ErrMissingItemColumn
		}
		return err
	}
	p.cols = make(map[string]int, len(record))
	for i, cell := range record {
		key := normalizeHeader(cell)
		if _, exists := p.cols[key]; !exists {
			p.cols[key] = i
		}
	}
	if _, ok := p.cols[colItem]; !ok {
		return ErrMissingItemColumn
	}
	p.headerDone = true
	return nil
}

// Next returns the next row, or io.EOF once the source is drained. Rows that
// fail structural parsing come back with Err set instead of aborting the
// file; only source-level failures (unreadable header, broken stream) are
// returned as the second value.
func (p *Parser) Next() (*Row, error) {
	if p.done {
		return nil, io.EOF
	}
	if !p.headerDone {
		if err := p.readHeader(); err != nil {
			p.done = true
			return nil, err
		}
	}

	record, err := p.src.Next()
	if err != nil {
		if err == io.EOF {
			p.done = true
			return nil, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			p.rowNum++
			return &Row{
				RowNumber: p.rowNum,
				Err:       fmt.Errorf("malformed row: %v", parseErr.Err),
			}, nil
		}
		p.done = true
		return nil, err
	}
	p.rowNum++
	return p.parseRecord(record), nil
}

func (p *Parser) Close() error { return p.src.Close() }

func (p *Parser) cell(record []string, keys ...string) (string, bool) {
	for _, key := range keys {
		idx, ok := p.cols[key]
		if !ok || idx >= len(record) {
			continue
		}
		val := strings.TrimSpace(record[idx])
		if val != "" {
			return val, true
		}
	}
	return "", false
}

func (p *Parser) parseRecord(record []string) *Row {
	row := &Row{RowNumber: p.rowNum}

	item, _ := p.cell(record, colItem)
	row.ItemName = item
	switch {
	case item == "":
		row.Kind = RowKindBlank
	case item == "Service Charge":
		row.Kind = RowKindServiceCharge
	case strings.Contains(strings.ToLower(item), "payment:"):
		row.Kind = RowKindPayment
	default:
		row.Kind = RowKindItem
	}

	receipt, _ := p.cell(record, colReceipt)
	row.ReceiptNumber = receipt
	row.Category, _ = p.cell(record, colCategory)
	row.StoreName, _ = p.cell(record, colStore)

	row.Quantity = parseIntCell(p, record, colQuantity, colQty)
	row.UnitPrice, _ = parseMoneyCell(p, record, colPrice, colUnitPrice)
	row.Subtotal, row.HasSubtotal = parseMoneyCell(p, record, colSubtotal)
	row.Tax, _ = parseMoneyCell(p, record, colTax)
	row.ServiceCharge, _ = parseMoneyCell(p, record, colServiceCharge)
	row.Discount, _ = parseMoneyCell(p, record, colDiscount)

	if raw, ok := p.cell(record, colTime, colDate, colTimestamp); ok {
		ts, err := parseSourceTimestamp(raw)
		if err != nil {
			row.Err = fmt.Errorf("unparseable timestamp %q", raw)
			return row
		}
		row.Timestamp = ts
		row.HasTimestamp = true
	}

	return row
}

// Empty and unparseable numeric cells coerce to zero. The export routinely
// leaves totals blank on non-item rows, so zero is the safe reading; a
// genuinely absent subtotal on an item row is caught downstream.
func parseMoneyCell(p *Parser, record []string, keys ...string) (decimal.Decimal, bool) {
	raw, ok := p.cell(record, keys...)
	if !ok {
		return decimal.Zero, false
	}
	raw = strings.ReplaceAll(raw, ",", "")
	val, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return val, true
}

func parseIntCell(p *Parser, record []string, keys ...string) int {
	raw, ok := p.cell(record, keys...)
	if !ok {
		return 0
	}
	raw = strings.ReplaceAll(raw, ",", "")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
	"2006-01-02",
}

func parseSourceTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, sourceLocation); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("no layout matched %q", raw)
}

// ParseAll drains a parser. Rows with Err set are included; callers split
// them from good rows while counting.
func ParseAll(p *Parser) ([]*Row, error) {
	var rows []*Row
	for {
		row, err := p.Next()
		if err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return rows, err
		}
		rows = append(rows, row)
	}
}
