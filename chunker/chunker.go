// Package chunker splits a single field's text into the char-sized pieces
// the embedding engine sends to a provider one batch at a time. It keeps the
// teacher's paragraph-then-sentence-boundary splitting strategy
// (chunker.go's splitContent/splitBySentences) but switches its thresholds
// from token estimates to character counts, which is what the embedding
// contract specifies: content is only split once it reaches the trigger
// length, and each piece targets a smaller size with a trailing overlap
// carried into the next piece so a concept split across the boundary still
// appears whole in at least one chunk.
package chunker

import (
	"strings"
)

// Config controls chunking thresholds, all measured in characters.
type Config struct {
	TriggerChars int // content shorter than this is returned as a single piece
	TargetChars  int // target size of each piece once splitting kicks in
	OverlapChars int // trailing characters from one piece repeated at the start of the next
}

// DefaultConfig matches the module's default char-based chunking contract.
func DefaultConfig() Config {
	return Config{TriggerChars: 3000, TargetChars: 2000, OverlapChars: 200}
}

// Piece is one chunk of a field's text, with its offsets into the original
// string so the search planner can map a chunk hit back to a character (rune) range in
// its parent node. StartLine/EndLine are 1-based line numbers within the
// same original text, letting a match be reported as a line range when the
// parent node's own content is line-oriented (source code, Markdown).
type Piece struct {
	Seq       int
	StartChar int
	EndChar   int
	StartLine int
	EndLine   int
	Text      string
}

// Chunker splits field text according to a Config.
type Chunker struct {
	cfg Config
}

// New returns a Chunker, filling unset fields from DefaultConfig.
func New(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.TriggerChars == 0 {
		cfg.TriggerChars = def.TriggerChars
	}
	if cfg.TargetChars == 0 {
		cfg.TargetChars = def.TargetChars
	}
	if cfg.OverlapChars == 0 {
		cfg.OverlapChars = def.OverlapChars
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text into Pieces. Text shorter than TriggerChars is returned
// as a single piece spanning the whole string.
func (c *Chunker) Chunk(text string) []Piece {
	runes := []rune(text)
	if len(runes) < c.cfg.TriggerChars {
		if text == "" {
			return nil
		}
		pieces := []Piece{{Seq: 0, StartChar: 0, EndChar: len(runes), Text: text}}
		attachLines(pieces, runes)
		return pieces
	}

	paragraphs := splitParagraphs(text)
	var pieces []Piece
	var cur strings.Builder
	curStart := 0
	offset := 0

	flush := func(end int) {
		if cur.Len() == 0 {
			return
		}
		pieces = append(pieces, Piece{Seq: len(pieces), StartChar: curStart, EndChar: end, Text: cur.String()})
	}

	for _, para := range paragraphs {
		paraLen := len([]rune(para))
		if cur.Len() > 0 && len([]rune(cur.String()))+paraLen > c.cfg.TargetChars {
			flush(offset)
			overlap := extractOverlap(cur.String(), c.cfg.OverlapChars)
			cur.Reset()
			cur.WriteString(overlap)
			curStart = offset - len([]rune(overlap))
			if curStart < 0 {
				curStart = 0
			}
		}
		if paraLen > c.cfg.TargetChars {
			// A single paragraph alone exceeds the target: flush whatever
			// is pending, then hard-split the paragraph by sentence.
			flush(offset)
			cur.Reset()
			for _, sentPiece := range splitBySentences(para, c.cfg.TargetChars, c.cfg.OverlapChars, offset) {
				pieces = append(pieces, Piece{Seq: len(pieces), StartChar: sentPiece.StartChar, EndChar: sentPiece.EndChar, Text: sentPiece.Text})
			}
			offset += paraLen + 2
			curStart = offset
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
		offset += paraLen + 2
	}
	flush(offset)

	for i := range pieces {
		pieces[i].Seq = i
	}
	attachLines(pieces, runes)
	return pieces
}

// attachLines fills in each piece's StartLine/EndLine by counting newlines
// in the original text up to its char offsets.
func attachLines(pieces []Piece, runes []rune) {
	lineAtChar := make([]int, len(runes)+1)
	line := 1
	for i, r := range runes {
		lineAtChar[i] = line
		if r == '\n' {
			line++
		}
	}
	lineAtChar[len(runes)] = line

	clamp := func(n int) int {
		if n < 0 {
			return 0
		}
		if n > len(runes) {
			return len(runes)
		}
		return n
	}
	for i := range pieces {
		pieces[i].StartLine = lineAtChar[clamp(pieces[i].StartChar)]
		pieces[i].EndLine = lineAtChar[clamp(pieces[i].EndChar)]
	}
}

// splitParagraphs splits on blank lines, trimming and dropping empties.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitBySentences hard-splits an over-long paragraph at sentence
// boundaries, carrying offset forward so returned Pieces still have
// correct absolute char positions. A sentence longer than target is further
// split at word boundaries.
func splitBySentences(text string, target, overlap, baseOffset int) []Piece {
	var sentences []string
	for _, s := range splitSentences(text) {
		seg := ""
		for _, w := range strings.Fields(s) {
			if seg != "" && len([]rune(seg))+1+len([]rune(w)) > target {
				sentences = append(sentences, seg)
				seg = ""
			}
			seg = strings.TrimPrefix(seg+" "+w, " ")
		}
		if seg != "" {
			sentences = append(sentences, seg)
		}
	}
	var pieces []Piece
	var cur strings.Builder
	curStart := baseOffset
	pos := baseOffset

	flush := func(end int) {
		if cur.Len() == 0 {
			return
		}
		pieces = append(pieces, Piece{StartChar: curStart, EndChar: end, Text: cur.String()})
	}

	for _, s := range sentences {
		sLen := len([]rune(s))
		if cur.Len() > 0 && len([]rune(cur.String()))+sLen > target {
			flush(pos)
			ov := extractOverlap(cur.String(), overlap)
			cur.Reset()
			cur.WriteString(ov)
			curStart = pos - len([]rune(ov))
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(s)
		pos += sLen + 1
	}
	flush(pos)
	return pieces
}

// splitSentences is a punctuation-and-whitespace heuristic, not a full
// sentence boundary detector — good enough to avoid cutting mid-word.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if r == '.' || r == '?' || r == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					out = append(out, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// extractOverlap returns the trailing `n` characters of text, snapped
// forward to the next word boundary so the overlap doesn't start mid-word.
func extractOverlap(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexByte(tail, ' '); idx >= 0 {
		return tail[idx+1:]
	}
	return tail
}
