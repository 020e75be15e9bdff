package parser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CodeParser splits a source file into scopes (functions, methods, classes)
// at each line that, once trimmed, starts with one of the keywords func, def,
// class, fn, sub or function, so nested definitions open a scope too. It
// uses this keyword match rather than a real parser for each language — good enough to produce searchable, individually embeddable
// units without a per-language AST dependency for every extension this
// module might see.
type CodeParser struct{}

// CodeExtensions lists every source extension CodeParser claims. Exported so
// the ingestion orchestrator can classify a file's node-label family without
// re-deriving the registry's dispatch table.
var CodeExtensions = []string{
	"go", "py", "js", "ts", "jsx", "tsx", "java", "c", "h", "cpp", "hpp",
	"cc", "rs", "rb", "php", "cs", "kt", "swift", "scala", "sh",
}

func (p *CodeParser) SupportedFormats() []string { return CodeExtensions }

func (p *CodeParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{
		{
			Label:            "CodeBlock",
			ContentHashField: "content",
			Fields: []FieldSpec{
				{Name: "name", Embed: true},
			},
		},
		{
			Label:            "Scope",
			ContentHashField: "content",
			Fields: []FieldSpec{
				{Name: "name", Embed: true},
				{Name: "content", Embed: true, Required: true},
			},
		},
	}
}

// scopeOpenPattern matches a line that opens a named top-level scope across
// the common brace and indentation-based languages this module supports.
var scopeOpenPattern = regexp.MustCompile(
	`^(func|def|class|fn|sub|function)\s+\*?\(?[\w.]*\)?\s*([A-Za-z_][\w]*)`)

func (p *CodeParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	var sections []Section
	var cur *Section
	var preamble strings.Builder
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if m := scopeOpenPattern.FindStringSubmatch(trimmed); m != nil {
			if cur != nil {
				sections = append(sections, *cur)
			}
			cur = &Section{Heading: m[2], Type: "section", PageNumber: lineNo}
			cur.Content = line + "\n"
			continue
		}

		if cur == nil {
			preamble.WriteString(line)
			preamble.WriteByte('\n')
			continue
		}
		cur.Content += line + "\n"
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading source file: %w", err)
	}
	if cur != nil {
		sections = append(sections, *cur)
	}

	var out []Section
	if strings.TrimSpace(preamble.String()) != "" {
		out = append(out, Section{
			Heading: filepath.Base(path) + " (top level)",
			Content: strings.TrimSpace(preamble.String()),
			Type:    "paragraph",
		})
	}
	out = append(out, sections...)

	if len(out) == 0 {
		return &ParseResult{Method: "native"}, nil
	}
	return &ParseResult{Sections: out, Method: "native"}, nil
}
