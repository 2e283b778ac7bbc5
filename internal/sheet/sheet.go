// Package sheet parses contact spreadsheets (.xlsx, .csv) into message
// rows. Phone cells are normalized at this boundary; rows without a single
// valid phone never reach the dispatch queue.
package sheet

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"wablast/internal/kit"
	"wablast/internal/phone"
	logx "wablast/pkg/logx"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported spreadsheet format")
	ErrNoHeader          = errors.New("missing header row")
	ErrNoMessageColumn   = errors.New("no message column")
	ErrNoPhoneColumns    = errors.New("no phone columns")
)

// Issue records why a row was left out of the batch.
type Issue struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Result is the outcome of parsing one spreadsheet.
type Result struct {
	Rows    []kit.MessageRow `json:"rows"`
	Skipped []Issue          `json:"skipped,omitempty"`
}

func (r Result) Targets() int { return kit.TargetCount(r.Rows) }

type columnMap struct {
	name      int
	reference int
	message   int
	phones    []int // column indexes, in header order
	headers   []string
}

// Parser converts spreadsheet bytes into validated message rows.
type Parser struct {
	norm *phone.Normalizer
	log  logx.Logger
}

func NewParser(norm *phone.Normalizer, log logx.Logger) *Parser {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Parser{norm: norm, log: log}
}

// Parse picks the decoder from the filename extension.
func (p *Parser) Parse(r io.Reader, filename string) (Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return p.parseXLSX(r)
	case ".csv":
		return p.parseCSV(r)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

func (p *Parser) parseXLSX(r io.Reader) (Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return Result{}, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return Result{}, ErrNoHeader
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return Result{}, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return p.build(records)
}

func (p *Parser) parseCSV(r io.Reader) (Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // ragged rows are normal in hand-edited sheets
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return Result{}, fmt.Errorf("read csv: %w", err)
	}
	return p.build(records)
}

func (p *Parser) build(records [][]string) (Result, error) {
	if len(records) == 0 {
		return Result{}, ErrNoHeader
	}
	cols, err := mapColumns(records[0])
	if err != nil {
		return Result{}, err
	}

	var res Result
	for i, record := range records[1:] {
		ordinal := i + 2 // 1-based, header is row 1
		if blankRecord(record) {
			continue
		}

		message := strings.TrimSpace(cell(record, cols.message))
		if message == "" {
			res.Skipped = append(res.Skipped, Issue{Row: ordinal, Reason: "empty message"})
			continue
		}

		row := kit.MessageRow{
			Ordinal:   ordinal,
			Name:      strings.TrimSpace(cell(record, cols.name)),
			Reference: strings.TrimSpace(cell(record, cols.reference)),
			Message:   message,
		}

		var badPhones []string
		for _, ci := range cols.phones {
			raw := strings.TrimSpace(cell(record, ci))
			if raw == "" {
				continue
			}
			normalized, err := p.norm.Normalize(raw)
			if err != nil {
				badPhones = append(badPhones, raw)
				continue
			}
			row.Phones = append(row.Phones, kit.PhoneTarget{
				Phone:  normalized,
				Column: cols.headers[ci],
				Raw:    raw,
			})
		}

		if len(row.Phones) == 0 {
			reason := "no valid phone"
			if len(badPhones) > 0 {
				reason = fmt.Sprintf("no valid phone (rejected: %s)", strings.Join(badPhones, ", "))
			}
			res.Skipped = append(res.Skipped, Issue{Row: ordinal, Reason: reason})
			continue
		}
		res.Rows = append(res.Rows, row)
	}

	p.log.Debug("spreadsheet parsed",
		logx.Int("rows", len(res.Rows)),
		logx.Int("targets", res.Targets()),
		logx.Int("skipped", len(res.Skipped)),
	)
	return res, nil
}

func mapColumns(header []string) (columnMap, error) {
	cols := columnMap{name: -1, reference: -1, message: -1, headers: make([]string, len(header))}
	for i, h := range header {
		label := strings.TrimSpace(h)
		cols.headers[i] = label
		switch key := strings.ToLower(label); {
		case key == "name" || key == "nama":
			cols.name = i
		case key == "reference" || key == "ref" || key == "keterangan":
			cols.reference = i
		case key == "message" || key == "pesan":
			cols.message = i
		case isPhoneHeader(key):
			cols.phones = append(cols.phones, i)
		}
	}
	if cols.message < 0 {
		return cols, ErrNoMessageColumn
	}
	if len(cols.phones) == 0 {
		return cols, ErrNoPhoneColumns
	}
	return cols, nil
}

func isPhoneHeader(key string) bool {
	for _, prefix := range []string{"phone", "no_hp", "no hp", "hp", "telp", "whatsapp", "wa"} {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func blankRecord(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
