// Package csvimport parses contact lists for campaign import (spec.md §6):
// a header row with a required phone_number column, an optional name
// column, and any further columns stored as per-contact metadata.
//
// No CSV library appears anywhere in the retrieved corpus, and the format
// is a plain header+columns file squarely inside what encoding/csv already
// covers end to end; pulling in a third-party CSV library here would add
// a dependency for no behavior stdlib doesn't already give us (see
// DESIGN.md).
package csvimport

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Row is one parsed, not-yet-deduplicated contact row.
type Row struct {
	Phone    string
	Name     string
	Metadata map[string]string
}

// Parse reads a CSV contact list. The header row is required; phone_number
// must be present. Rows missing a phone_number are skipped and counted as
// invalid.
func Parse(r io.Reader) (rows []Row, invalid int, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, fmt.Errorf("csvimport: empty file, header row required")
		}
		return nil, 0, fmt.Errorf("csvimport: read header: %w", err)
	}

	phoneCol, nameCol := -1, -1
	extraCols := make(map[int]string)
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "phone_number":
			phoneCol = i
		case "name":
			nameCol = i
		default:
			extraCols[i] = col
		}
	}
	if phoneCol < 0 {
		return nil, 0, fmt.Errorf("csvimport: header missing required phone_number column")
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("csvimport: read row: %w", err)
		}
		if phoneCol >= len(record) {
			invalid++
			continue
		}
		phone := strings.TrimSpace(record[phoneCol])
		if phone == "" {
			invalid++
			continue
		}
		row := Row{Phone: phone}
		if nameCol >= 0 && nameCol < len(record) {
			row.Name = strings.TrimSpace(record[nameCol])
		}
		for i, col := range extraCols {
			if i < len(record) {
				if row.Metadata == nil {
					row.Metadata = make(map[string]string)
				}
				row.Metadata[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, invalid, nil
}

// Dedup splits parsed rows into fresh ones and those whose phone number is
// already present in the campaign (spec.md §6: "Duplicates within a
// campaign are silently skipped (reported in duplicates)"). It also drops
// duplicates within the incoming batch itself, keeping the first
// occurrence.
func Dedup(rows []Row, existing map[string]bool) (fresh []Row, duplicates int) {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if existing[row.Phone] || seen[row.Phone] {
			duplicates++
			continue
		}
		seen[row.Phone] = true
		fresh = append(fresh, row)
	}
	return fresh, duplicates
}
