package csvimport

import (
	"strings"
	"testing"
)

func TestParseBasic(t *testing.T) {
	data := "phone_number,name,source\n+15550001,Alice,facebook\n+15550002,Bob,google\n"
	rows, invalid, err := Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invalid != 0 {
		t.Errorf("expected 0 invalid rows, got %d", invalid)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Phone != "+15550001" || rows[0].Name != "Alice" {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[0].Metadata["source"] != "facebook" {
		t.Errorf("expected source metadata, got %+v", rows[0].Metadata)
	}
}

func TestParseMissingPhoneColumn(t *testing.T) {
	data := "name\nAlice\n"
	if _, _, err := Parse(strings.NewReader(data)); err == nil {
		t.Fatal("expected error for missing phone_number column")
	}
}

func TestParseSkipsBlankPhone(t *testing.T) {
	data := "phone_number,name\n,Alice\n+15550002,Bob\n"
	rows, invalid, err := Parse(strings.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if invalid != 1 {
		t.Errorf("expected 1 invalid row, got %d", invalid)
	}
	if len(rows) != 1 || rows[0].Phone != "+15550002" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestParseEmptyFile(t *testing.T) {
	if _, _, err := Parse(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestDedupAgainstExistingAndBatch(t *testing.T) {
	rows := []Row{
		{Phone: "+1"},
		{Phone: "+2"},
		{Phone: "+1"}, // in-batch duplicate
		{Phone: "+3"}, // already exists
	}
	existing := map[string]bool{"+3": true}

	fresh, duplicates := Dedup(rows, existing)
	if duplicates != 2 {
		t.Errorf("expected 2 duplicates, got %d", duplicates)
	}
	if len(fresh) != 2 {
		t.Fatalf("expected 2 fresh rows, got %d", len(fresh))
	}
	if fresh[0].Phone != "+1" || fresh[1].Phone != "+2" {
		t.Errorf("unexpected fresh rows: %+v", fresh)
	}
}
