// Package markdown provides the pure content transforms of the sync pipeline:
// content hashing, header-bounded chunking, and link extraction. Everything
// here is deterministic and side-effect free; parsing goes through goldmark
// so headings inside fenced code blocks are never mistaken for boundaries.
package markdown

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// DefaultChunkThreshold is the line count at or below which a document stays
// a single chunk.
const DefaultChunkThreshold = 500

// Section is one chunk of a document in document order. Index assignment is
// stable: identical content always reproduces identical sections.
type Section struct {
	Index       int
	HeadingPath string
	Content     string
}

var parser = goldmark.New()

// Chunk splits content into header-bounded sections.
//
// Documents at or below thresholdLines (0 means DefaultChunkThreshold) are
// returned as a single section spanning the whole document. Longer documents
// split at level-2 and level-3 heading boundaries; each section's HeadingPath
// records the nesting, e.g. "Setup > Installation". Content ahead of the
// first boundary becomes section 0, titled by the document's H1 when present.
//
// Chunk never fails: content goldmark cannot make sense of degrades to a
// single section.
func Chunk(content string, thresholdLines int) []Section {
	if thresholdLines <= 0 {
		thresholdLines = DefaultChunkThreshold
	}

	if lineCount(content) <= thresholdLines {
		return []Section{{Index: 0, Content: content}}
	}
	lines := strings.SplitAfter(content, "\n")

	title, bounds := headingBoundaries(content)
	if len(bounds) == 0 {
		return []Section{{Index: 0, Content: content}}
	}

	var sections []Section
	appendSection := func(headingPath string, from, to int) {
		span := strings.Join(lines[from:to], "")
		if strings.TrimSpace(span) == "" {
			return
		}
		sections = append(sections, Section{
			Index:       len(sections),
			HeadingPath: headingPath,
			Content:     span,
		})
	}

	// Preamble ahead of the first boundary, titled by the H1 when present.
	appendSection(title, 0, bounds[0].line)

	currentH2 := ""
	for i, b := range bounds {
		end := len(lines)
		if i+1 < len(bounds) {
			end = bounds[i+1].line
		}
		path := b.title
		switch b.level {
		case 2:
			currentH2 = b.title
		case 3:
			if currentH2 != "" {
				path = currentH2 + " > " + b.title
			}
		}
		appendSection(path, b.line, end)
	}

	if len(sections) == 0 {
		return []Section{{Index: 0, Content: content}}
	}
	return sections
}

// lineCount counts document lines. A trailing newline terminates the last
// line rather than opening an empty one, so "a\nb\n" is two lines, not three.
func lineCount(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

type boundary struct {
	line  int
	level int
	title string
}

// headingBoundaries parses content and returns the document H1 title plus the
// zero-based start line of every level-2/3 heading, in document order.
func headingBoundaries(content string) (string, []boundary) {
	src := []byte(content)
	doc := parser.Parser().Parse(text.NewReader(src))

	lineStarts := lineStartOffsets(src)
	title := ""
	var bounds []boundary

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		switch h.Level {
		case 1:
			if title == "" {
				title = headingText(h, src)
			}
		case 2, 3:
			start := h.Lines().At(0).Start
			bounds = append(bounds, boundary{
				line:  lineIndexOf(lineStarts, start),
				level: h.Level,
				title: headingText(h, src),
			})
		}
	}
	return title, bounds
}

func headingText(h *ast.Heading, src []byte) string {
	var sb strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(sb.String())
}

func lineStartOffsets(src []byte) []int {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' && i+1 < len(src) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineIndexOf returns the zero-based line containing byte offset off.
func lineIndexOf(starts []int, off int) int {
	lo, hi := 0, len(starts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if starts[mid] <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
