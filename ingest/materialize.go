package ingest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ragforge/ragforge/graphmodel"
	"github.com/ragforge/ragforge/parser"
	"github.com/ragforge/ragforge/store"
)

// family describes how a file extension's ParseResult maps onto the graph
// vocabulary: every format produces exactly one container node per file,
// and source-code and Markdown additionally decompose into child content
// nodes (Scope, MarkdownSection) linked to the container by CONTAINS.
type family struct {
	container graphmodel.Label
	child     graphmodel.Label // "" when the format has no sub-structure
}

var flatFamilies = map[string]graphmodel.Label{
	"json": graphmodel.LabelDataFile,
	"yaml": graphmodel.LabelDataFile,
	"yml":  graphmodel.LabelDataFile,
	"csv":  graphmodel.LabelDataFile,
	"pdf":  graphmodel.LabelPDFDocument,
	"docx": graphmodel.LabelWordDocument,
	"xlsx": graphmodel.LabelSpreadsheetDocument,
	"xls":  graphmodel.LabelSpreadsheetDocument,
	"pptx": graphmodel.LabelDocumentFile,
	"txt":  graphmodel.LabelDocumentFile,
}

func familyFor(ext string) family {
	if ext == "md" || ext == "markdown" {
		return family{container: graphmodel.LabelMarkdownDocument, child: graphmodel.LabelMarkdownSection}
	}
	if label, ok := flatFamilies[ext]; ok {
		return family{container: label}
	}
	for _, codeExt := range parser.CodeExtensions {
		if codeExt == ext {
			return family{container: graphmodel.LabelCodeBlock, child: graphmodel.LabelScope}
		}
	}
	return family{container: graphmodel.LabelDocumentFile}
}

// materialized is the graph fragment produced for one file: the nodes and
// relationships the orchestrator should upsert, plus the set of uuids that
// descend from the container so stale children can be pruned.
type materialized struct {
	container  *store.Node
	children   []*store.Node
	relations  []*store.Relationship
	childUUIDs map[string]bool
}

// materialize turns a parser.ParseResult into the graph fragment for a
// single file, deterministic in every node's uuid so re-parsing unchanged
// content reproduces identical identifiers (the idempotent-parse property).
func materialize(ext, absPath, projectID, projectRoot string, pr *parser.ParseResult) *materialized {
	fam := familyFor(ext)
	name := filepath.Base(absPath)
	containerUUID := graphmodel.NodeUUID(fam.container, absPath).String()
	rel := relName(projectRoot, absPath)

	m := &materialized{childUUIDs: make(map[string]bool)}

	if fam.child == "" {
		content := flattenSections(pr.Sections)
		m.container = &store.Node{
			UUID: containerUUID, Label: string(fam.container), ProjectID: projectID,
			SourcePath:  rel,
			ContentHash: graphmodel.ContentHash([]byte(content)),
			Props: map[string]any{
				"name":    name,
				"content": content,
			},
		}
		attachImages(m, pr.Images, absPath, rel, projectID, containerUUID)
		return m
	}

	m.container = &store.Node{
		UUID: containerUUID, Label: string(fam.container), ProjectID: projectID,
		SourcePath:  rel,
		ContentHash: graphmodel.ContentHash([]byte(flattenSections(pr.Sections))),
		Props:       map[string]any{"name": name},
	}

	var prevSibling string
	var walk func(sections []parser.Section, parentUUID string)
	seq := 0
	walk = func(sections []parser.Section, parentUUID string) {
		for _, sec := range sections {
			seq++
			key := fmt.Sprintf("%s#%d", absPath, seq)
			childUUID := graphmodel.NodeUUID(fam.child, key).String()
			m.childUUIDs[childUUID] = true

			props := map[string]any{"name": sec.Heading}
			if fam.child == graphmodel.LabelScope {
				props["signature"] = firstLine(sec.Content)
				props["source"] = sec.Content
			}
			m.children = append(m.children, &store.Node{
				UUID: childUUID, Label: string(fam.child), ProjectID: projectID,
				SourcePath:  rel,
				ContentHash: graphmodel.ContentHash([]byte(sec.Content)),
				Props: map[string]any{
					"name":    sec.Heading,
					"heading": sec.Heading,
					"content": sec.Content,
					"type":    sec.Type,
				},
			})
			for k, v := range props {
				m.children[len(m.children)-1].Props[k] = v
			}

			m.relations = append(m.relations, &store.Relationship{
				FromUUID: parentUUID, RelType: string(graphmodel.RelContains), ToUUID: childUUID,
			})
			if prevSibling != "" {
				m.relations = append(m.relations, &store.Relationship{
					FromUUID: prevSibling, RelType: string(graphmodel.RelNextChunk), ToUUID: childUUID,
				})
			}
			prevSibling = childUUID

			if len(sec.Children) > 0 {
				walk(sec.Children, childUUID)
			}
		}
	}
	walk(pr.Sections, containerUUID)

	return m
}

// attachImages turns every image a PDF/DOCX/PPTX parse extracted into an
// ImageFile node CONTAINS-linked to its parent container, so a page or slide
// image becomes a node in the graph instead of data the parser discards.
// Images carry no embeddable text field; they exist so a caller can traverse
// CONTAINS from a document to its figures and so a re-parse can detect an
// image that no longer appears (pruned the same way stale sections are).
func attachImages(m *materialized, images []parser.ExtractedImage, absPath, rel, projectID, containerUUID string) {
	for i, img := range images {
		key := fmt.Sprintf("%s#image#%d", absPath, i)
		uuid := graphmodel.NodeUUID(graphmodel.LabelImageFile, key).String()
		m.childUUIDs[uuid] = true
		m.children = append(m.children, &store.Node{
			UUID: uuid, Label: string(graphmodel.LabelImageFile), ProjectID: projectID,
			SourcePath:  rel,
			ContentHash: graphmodel.ContentHash(img.Data),
			Props: map[string]any{
				"name":         fmt.Sprintf("%s#image-%d", filepath.Base(absPath), i),
				"mimeType":     img.MIMEType,
				"pageNumber":   img.PageNumber,
				"sectionIndex": img.SectionIndex,
				"width":        img.Width,
				"height":       img.Height,
				"byteSize":     len(img.Data),
			},
		})
		m.relations = append(m.relations, &store.Relationship{
			FromUUID: containerUUID, RelType: string(graphmodel.RelContains), ToUUID: uuid,
		})
	}
}

// relName returns absPath relative to rootPath using forward slashes, so
// every node's SourcePath is the (projectId, relativePath) compound key
// spec.md requires. The touched-files project has no single root (its
// RootPath is "") and legitimately keeps absolute paths.
func relName(rootPath, absPath string) string {
	if rootPath == "" {
		return absPath
	}
	rel, err := filepath.Rel(rootPath, absPath)
	if err != nil {
		return absPath
	}
	return filepath.ToSlash(rel)
}

func flattenSections(sections []parser.Section) string {
	var b strings.Builder
	var walk func([]parser.Section)
	walk = func(secs []parser.Section) {
		for _, s := range secs {
			if s.Heading != "" {
				b.WriteString(s.Heading)
				b.WriteString("\n")
			}
			b.WriteString(s.Content)
			b.WriteString("\n\n")
			walk(s.Children)
		}
	}
	walk(sections)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
