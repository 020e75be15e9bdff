package parser

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DataParser handles structured data files (JSON, YAML, CSV) that don't need
// real parsing to be searchable: the content is indexed close to verbatim,
// with CSV rendered as a Markdown-style table the way XLSXParser renders
// spreadsheet rows.
type DataParser struct{}

func (p *DataParser) SupportedFormats() []string { return []string{"json", "yaml", "yml", "csv"} }

func (p *DataParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{{
		Label:            "DataFile",
		ContentHashField: "content",
		Fields: []FieldSpec{
			{Name: "name", Embed: true},
			{Name: "content", Embed: true, Required: true},
		},
	}}
}

func (p *DataParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "csv" {
		return p.parseCSV(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading data file: %w", err)
	}
	return &ParseResult{
		Sections: []Section{{
			Heading: filepath.Base(path),
			Content: string(data),
			Type:    "paragraph",
			Metadata: map[string]string{"format": ext},
		}},
		Method: "native",
	}, nil
}

func (p *DataParser) parseCSV(path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv file: %w", err)
	}

	var content strings.Builder
	for _, row := range rows {
		content.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}

	return &ParseResult{
		Sections: []Section{{
			Heading: filepath.Base(path),
			Content: content.String(),
			Type:    "table",
			Metadata: map[string]string{"format": "csv", "row_count": fmt.Sprintf("%d", len(rows))},
		}},
		Method: "native",
	}, nil
}
