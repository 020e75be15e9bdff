package parser

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/ragforge/ragforge/chunker"
)

// MarkdownParser splits a Markdown file into a heading tree: one Section per
// heading, nested under the nearest shallower heading above it, mirroring
// the MarkdownDocument/MarkdownSection split the graph model exposes.
type MarkdownParser struct{}

func (p *MarkdownParser) SupportedFormats() []string { return []string{"md", "markdown"} }

func (p *MarkdownParser) NodeTypes() []NodeTypeDefinition {
	return []NodeTypeDefinition{
		{
			Label:            "MarkdownDocument",
			ContentHashField: "content",
			Fields: []FieldSpec{
				{Name: "name", Embed: true},
			},
		},
		{
			Label:            "MarkdownSection",
			ContentHashField: "content",
			Fields: []FieldSpec{
				{Name: "heading", Embed: true},
				{Name: "content", Embed: true, Required: true},
			},
		},
	}
}

var mdHeadingPattern = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)

// mdFlatHeading is one heading encountered while scanning a file, before it
// is nested into the Section tree the chunker expects.
type mdFlatHeading struct {
	level   int
	heading string
	content strings.Builder
}

func (p *MarkdownParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening markdown file: %w", err)
	}
	defer f.Close()

	var flatSections []*mdFlatHeading
	var preamble strings.Builder

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := mdHeadingPattern.FindStringSubmatch(line); m != nil {
			flatSections = append(flatSections, &mdFlatHeading{level: len(m[1]), heading: strings.TrimSpace(m[2])})
			continue
		}
		// Markdown bodies converted from legal/technical sources often carry
		// numbered or all-caps section headings ("1.2 Definitions",
		// "APPENDIX A") without a leading "#". chunker's heading heuristics
		// catch those so they still split into their own section instead of
		// being swallowed into the previous one's content.
		if trimmed := strings.TrimSpace(line); trimmed != "" && chunker.IsHeading(trimmed) {
			level := 1
			if num, ok := chunker.DetectNumbering(trimmed); ok {
				level = chunker.NumberingLevel(num)
			}
			flatSections = append(flatSections, &mdFlatHeading{level: level, heading: trimmed})
			continue
		}
		if len(flatSections) == 0 {
			preamble.WriteString(line)
			preamble.WriteByte('\n')
			continue
		}
		cur := flatSections[len(flatSections)-1]
		cur.content.WriteString(line)
		cur.content.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading markdown file: %w", err)
	}

	var sections []Section
	if strings.TrimSpace(preamble.String()) != "" {
		sections = append(sections, Section{Content: strings.TrimSpace(preamble.String()), Type: "paragraph"})
	}
	sections = append(sections, nestByLevel(flatSections)...)

	return &ParseResult{Sections: sections, Method: "native"}, nil
}

// nestByLevel turns the flat heading-ordered list into the nested Section
// tree the chunker expects, attaching each heading under the most recent
// heading at a shallower level.
func nestByLevel(flatSections []*mdFlatHeading) []Section {
	var roots []Section
	stack := []*Section{}

	for _, fs := range flatSections {
		content := strings.TrimSpace(fs.content.String())
		sec := Section{
			Heading: fs.heading,
			Content: content,
			Level:   fs.level,
			Type:    chunker.ContentType(content),
		}
		for len(stack) > 0 && stack[len(stack)-1].Level >= sec.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, sec)
			stack = append(stack, &roots[len(roots)-1])
			continue
		}
		parent := stack[len(stack)-1]
		parent.Children = append(parent.Children, sec)
		stack = append(stack, &parent.Children[len(parent.Children)-1])
	}
	return roots
}
