package chunker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// MarkdownStrategy splits documents at H1/H2 boundaries so each section is
// one retrievable chunk, with the header hierarchy as the chunk name.
type MarkdownStrategy struct {
	md goldmark.Markdown
}

// NewMarkdownStrategy builds the goldmark-backed markdown strategy.
func NewMarkdownStrategy() *MarkdownStrategy {
	return &MarkdownStrategy{
		md: goldmark.New(
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
	}
}

type mdSection struct {
	line int // 0-based line index of the heading
	name string
}

// Chunk parses the document and emits one section chunk per H1/H2 heading.
// Documents without headings return no drafts so the window fallback runs.
func (s *MarkdownStrategy) Chunk(path, content string) ([]Draft, error) {
	source := []byte(content)
	reader := text.NewReader(source)
	doc := s.md.Parser().Parse(reader)

	tree, err := toc.Inspect(doc, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect headings: %w", err)
	}
	if len(tree.Items) == 0 {
		return nil, nil
	}

	var sections []mdSection
	collectSections(doc, source, tree.Items, nil, &sections)
	if len(sections) == 0 {
		return nil, nil
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].line < sections[j].line })

	lines := splitLines(content)
	var drafts []Draft
	for i, sec := range sections {
		endIdx := len(lines)
		if i+1 < len(sections) {
			endIdx = sections[i+1].line
		}
		for endIdx > sec.line+1 && strings.TrimSpace(lines[endIdx-1]) == "" {
			endIdx--
		}
		if sec.line >= endIdx {
			continue
		}
		drafts = append(drafts, Draft{
			ChunkType: TypeSection,
			ChunkName: sec.name,
			StartLine: sec.line + 1,
			EndLine:   endIdx,
			Content:   strings.Join(lines[sec.line:endIdx], "\n"),
		})
	}
	return drafts, nil
}

// collectSections walks the TOC hierarchy resolving each item to its heading
// node and source line, naming sections by their header path.
func collectSections(doc ast.Node, source []byte, items toc.Items, ancestors []string, out *[]mdSection) {
	for _, item := range items {
		path := append(append([]string(nil), ancestors...), string(item.Title))
		if heading := findHeadingByID(doc, string(item.ID)); heading != nil && heading.Lines().Len() > 0 {
			offset := heading.Lines().At(0).Start
			*out = append(*out, mdSection{
				line: lineAt(source, offset),
				name: strings.Join(path, " > "),
			})
		}
		if len(item.Items) > 0 {
			collectSections(doc, source, item.Items, path, out)
		}
	}
}

// findHeadingByID locates a heading node by its auto-generated ID.
func findHeadingByID(node ast.Node, id string) ast.Node {
	var found ast.Node
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == ast.KindHeading {
			if v, ok := n.AttributeString("id"); ok {
				if b, ok := v.([]byte); ok && string(b) == id {
					found = n
					return ast.WalkStop, nil
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return found
}

// lineAt converts a byte offset into a 0-based line index.
func lineAt(source []byte, offset int) int {
	if offset > len(source) {
		offset = len(source)
	}
	line := 0
	for _, b := range source[:offset] {
		if b == '\n' {
			line++
		}
	}
	return line
}
