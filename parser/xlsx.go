package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser renders every sheet of a workbook as a Markdown-style table
// section. The SpreadsheetDocument family has no child label (see
// materialize.go's flat families), so all sheets end up flattened into one
// container node's content field — one node per workbook, not per sheet —
// which is why doctypes.go widens this label's chunking thresholds: a
// multi-sheet workbook's table rows shouldn't get split mid-row at the
// default chunk size.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx", "xls"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var sections []Section

	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}

		rows = trimTrailingEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}

		var content strings.Builder
		for _, row := range rows {
			content.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}

		sections = append(sections, Section{
			Heading: sheet,
			Content: content.String(),
			Type:    "table",
			Level:   1,
			Metadata: map[string]string{
				"sheet_name": sheet,
				"row_count":  fmt.Sprintf("%d", len(rows)),
			},
		})
	}

	if len(sections) == 0 {
		return nil, fmt.Errorf("no data found in XLSX")
	}

	return &ParseResult{
		Sections: sections,
		Method:   "native",
	}, nil
}

// trimTrailingEmptyRows drops rows at the end of a sheet's used range that
// excelize reports as entirely blank cells, which it does whenever a
// workbook's last formatted row trails past its last data row.
func trimTrailingEmptyRows(rows [][]string) [][]string {
	last := len(rows)
	for last > 0 && rowIsBlank(rows[last-1]) {
		last--
	}
	return rows[:last]
}

func rowIsBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
