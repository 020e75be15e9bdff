package parser

// NodeTypes for the document-family parsers (PDF, DOCX, XLSX, PPTX). Each
// produces a DocumentFile node per file with a format-specific sub-label's
// worth of metadata folded into content/description, since the underlying
// extraction (ParseResult.Sections) is format-agnostic once text has been
// pulled out of the binary container.

func (p *PDFParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{{
		Label:            "PDFDocument",
		ContentHashField: "content",
		Fields: []FieldSpec{
			{Name: "name", Embed: true},
			{Name: "content", Embed: true, Required: true},
		},
	}}
}

func (p *DOCXParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{{
		Label:            "WordDocument",
		ContentHashField: "content",
		Fields: []FieldSpec{
			{Name: "name", Embed: true},
			{Name: "content", Embed: true, Required: true},
		},
	}}
}

func (p *XLSXParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{{
		Label:            "SpreadsheetDocument",
		ContentHashField: "content",
		Fields: []FieldSpec{
			{Name: "name", Embed: true},
			{Name: "content", Embed: true, Required: true},
		},
		// Spreadsheet rows render to "| a | b |" text; favor larger chunks
		// so a table is less likely to be split mid-row.
		Chunking: &ChunkingConfig{TriggerChars: 4000, TargetChars: 3000, OverlapChars: 100},
	}}
}

func (p *PPTXParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{{
		Label:            "DocumentFile",
		ContentHashField: "content",
		Fields: []FieldSpec{
			{Name: "name", Embed: true},
			{Name: "content", Embed: true, Required: true},
		},
	}}
}
