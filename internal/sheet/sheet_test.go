package sheet

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"wablast/internal/phone"
	logx "wablast/pkg/logx"
)

func newTestParser() *Parser {
	return NewParser(phone.New("ID"), logx.Nop())
}

func TestParseCSV(t *testing.T) {
	csv := strings.Join([]string{
		"name,reference,message,phone_1,phone_2",
		"Budi,inv-1,hello,081234567890,+6281234567891",
		"Sari,inv-2,hi there,081234567892,",
		",,bye,abc,",        // both phones invalid
		"Tono,inv-4,,08123", // empty message
		",,,,",              // blank row, silently ignored
		"Rina,inv-6,welcome,, 0812-3456-7895",
	}, "\n")

	res, err := newTestParser().Parse(strings.NewReader(csv), "contacts.csv")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(res.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(res.Rows))
	}
	if res.Targets() != 4 {
		t.Fatalf("targets = %d, want 4", res.Targets())
	}

	first := res.Rows[0]
	if first.Ordinal != 2 || first.Name != "Budi" || first.Reference != "inv-1" {
		t.Fatalf("first row = %+v", first)
	}
	if len(first.Phones) != 2 {
		t.Fatalf("first row phones = %+v", first.Phones)
	}
	if first.Phones[0].Phone != "6281234567890" || first.Phones[0].Column != "phone_1" {
		t.Fatalf("phone target = %+v", first.Phones[0])
	}
	if first.Phones[0].Raw != "081234567890" {
		t.Fatalf("raw preserved = %q", first.Phones[0].Raw)
	}

	last := res.Rows[2]
	if last.Ordinal != 7 || len(last.Phones) != 1 || last.Phones[0].Column != "phone_2" {
		t.Fatalf("last row = %+v", last)
	}

	if len(res.Skipped) != 2 {
		t.Fatalf("skipped = %+v, want 2 issues", res.Skipped)
	}
	if res.Skipped[0].Row != 4 || !strings.Contains(res.Skipped[0].Reason, "no valid phone") {
		t.Fatalf("skip 1 = %+v", res.Skipped[0])
	}
	if res.Skipped[1].Row != 5 || res.Skipped[1].Reason != "empty message" {
		t.Fatalf("skip 2 = %+v", res.Skipped[1])
	}
}

func TestParseXLSX(t *testing.T) {
	f := excelize.NewFile()
	rows := [][]any{
		{"nama", "keterangan", "pesan", "no_hp"},
		{"Budi", "inv-1", "hello", "081234567890"},
		{"Sari", "inv-2", "hi", "not-a-phone"},
	}
	sheetName := f.GetSheetName(0)
	for i, row := range rows {
		cellRef, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheetName, cellRef, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	res, err := newTestParser().Parse(&buf, "contacts.xlsx")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Rows) != 1 || res.Rows[0].Phones[0].Phone != "6281234567890" {
		t.Fatalf("rows = %+v", res.Rows)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Row != 3 {
		t.Fatalf("skipped = %+v", res.Skipped)
	}
}

func TestParseErrors(t *testing.T) {
	p := newTestParser()

	if _, err := p.Parse(strings.NewReader("x"), "contacts.txt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("txt err = %v", err)
	}
	if _, err := p.Parse(strings.NewReader(""), "contacts.csv"); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("empty err = %v", err)
	}
	if _, err := p.Parse(strings.NewReader("name,phone_1\nBudi,0812"), "c.csv"); !errors.Is(err, ErrNoMessageColumn) {
		t.Fatalf("no message col err = %v", err)
	}
	if _, err := p.Parse(strings.NewReader("name,message\nBudi,hi"), "c.csv"); !errors.Is(err, ErrNoPhoneColumns) {
		t.Fatalf("no phone col err = %v", err)
	}
}
