package analytics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/swarmgrid/substrate/internal/errs"
)

func sampleRows() []Row {
	return []Row{
		{"name": "agent-a", "event_count": int64(5)},
		{"name": "agent-b", "event_count": int64(2)},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRows(), FormatJSON); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("rows = %d, want 2", len(out))
	}
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRows(), FormatJSONL); err != nil {
		t.Fatalf("Write: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	for _, l := range lines {
		var row map[string]any
		if err := json.Unmarshal([]byte(l), &row); err != nil {
			t.Fatalf("line %q did not parse as one JSON object: %v", l, err)
		}
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRows(), FormatCSV); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r := csv.NewReader(&buf)
	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 3 { // header + 2 rows
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0][0] != "event_count" || records[0][1] != "name" {
		t.Fatalf("header = %v, want sorted [event_count name]", records[0])
	}
}

func TestWriteTableEmptyRows(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, nil, FormatTable); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.Contains(buf.String(), "no rows") {
		t.Fatalf("output = %q, want a no-rows placeholder", buf.String())
	}
}

func TestWriteTableRendersColumnsSortedAndAligned(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRows(), FormatTable); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "agent-a") || !strings.Contains(out, "agent-b") {
		t.Fatalf("output missing row data: %q", out)
	}
}

func TestWriteDefaultFormatIsTable(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, sampleRows(), ""); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected table output for empty format string")
	}
}

func TestWriteUnknownFormatIsInvalid(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, sampleRows(), Format("yaml"))
	if !errs.IsInvalid(err) {
		t.Fatalf("Write err = %v, want Invalid", err)
	}
}

func TestFmtCellHandlesByteSlicesAndNil(t *testing.T) {
	if got := fmtCell(nil); got != "" {
		t.Fatalf("fmtCell(nil) = %q, want empty", got)
	}
	if got := fmtCell([]byte("raw")); got != "raw" {
		t.Fatalf("fmtCell([]byte) = %q, want raw", got)
	}
	if got := fmtCell(42); got != "42" {
		t.Fatalf("fmtCell(42) = %q, want 42", got)
	}
}
