package chunker

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// declPattern matches one kind of declaration start. maxIndent bounds how
// deep a match may be nested and still open a new chunk (Python and Ruby
// methods live inside a class body; top-level forms must start at column 0).
type declPattern struct {
	re        *regexp.Regexp
	chunkType string
	maxIndent int
}

var declPatterns = map[string][]declPattern{
	"go": {
		{regexp.MustCompile(`^func\s+(?:\([^)]*\)\s*)?(?P<name>\w+)`), TypeFunction, 0},
		{regexp.MustCompile(`^type\s+(?P<name>\w+)\s+(?:struct|interface)\b`), TypeClass, 0},
	},
	"python": {
		{regexp.MustCompile(`^class\s+(?P<name>\w+)`), TypeClass, 0},
		{regexp.MustCompile(`^(?:async\s+)?def\s+(?P<name>\w+)\s*\(`), TypeFunction, 4},
	},
	"javascript": {
		{regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(?P<name>\w+)`), TypeFunction, 0},
		{regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?class\s+(?P<name>\w+)`), TypeClass, 0},
		{regexp.MustCompile(`^(?:export\s+)?(?:const|let|var)\s+(?P<name>\w+)\s*=\s*(?:async\s*)?(?:\([^)]*\)|\w+)\s*=>`), TypeFunction, 0},
	},
	"typescript": {
		{regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*(?P<name>\w+)`), TypeFunction, 0},
		{regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+(?P<name>\w+)`), TypeClass, 0},
		{regexp.MustCompile(`^(?:export\s+)?interface\s+(?P<name>\w+)`), TypeClass, 0},
		{regexp.MustCompile(`^(?:export\s+)?(?:const|let|var)\s+(?P<name>\w+)\s*=\s*(?:async\s*)?(?:\([^)]*\)|\w+)\s*=>`), TypeFunction, 0},
	},
	"java": {
		{regexp.MustCompile(`^(?:(?:public|private|protected|abstract|final|static)\s+)*(?:class|interface|enum|record)\s+(?P<name>\w+)`), TypeClass, 0},
		{regexp.MustCompile(`^(?:public|private|protected)\s+[\w<>\[\],\s]+?\s(?P<name>\w+)\s*\(`), TypeFunction, 4},
	},
	"ruby": {
		{regexp.MustCompile(`^(?:class|module)\s+(?P<name>\w+)`), TypeClass, 0},
		{regexp.MustCompile(`^def\s+(?P<name>[\w.!?]+)`), TypeFunction, 2},
	},
}

// declStrategy splits at declaration boundaries found by line scanning.
type declStrategy struct {
	patterns []declPattern
	window   WindowStrategy
}

type boundary struct {
	line      int // 0-based index
	chunkType string
	name      string
}

func (s *declStrategy) Chunk(path, content string) ([]Draft, error) {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil, nil
	}

	var bounds []boundary
	for i, line := range lines {
		if typ, name, ok := s.match(line); ok {
			bounds = append(bounds, boundary{line: i, chunkType: typ, name: name})
		}
	}
	if len(bounds) == 0 {
		// No declarations found; signal the caller to use the fallback.
		return nil, nil
	}

	var drafts []Draft

	// Preamble (package clause, imports, module docs) before the first
	// declaration becomes a block chunk when it has any substance.
	if first := bounds[0].line; first > 0 && countNonEmpty(lines[:first]) >= 2 {
		drafts = append(drafts, Draft{
			ChunkType: TypeBlock,
			ChunkName: filepath.Base(path) + ":preamble",
			StartLine: 1,
			EndLine:   first,
			Content:   strings.Join(lines[:first], "\n"),
		})
	}

	for bi, b := range bounds {
		endIdx := len(lines)
		if bi+1 < len(bounds) {
			endIdx = bounds[bi+1].line
		}
		for endIdx > b.line+1 && strings.TrimSpace(lines[endIdx-1]) == "" {
			endIdx--
		}
		segment := lines[b.line:endIdx]

		if len(segment) > maxSegmentLines {
			drafts = append(drafts, s.splitOversized(path, b, segment)...)
			continue
		}

		drafts = append(drafts, Draft{
			ChunkType: b.chunkType,
			ChunkName: b.name,
			StartLine: b.line + 1,
			EndLine:   endIdx,
			Content:   strings.Join(segment, "\n"),
		})
	}
	return drafts, nil
}

// splitOversized re-splits one declaration that exceeds maxSegmentLines into
// windows, keeping the declaration's type and name prefix.
func (s *declStrategy) splitOversized(path string, b boundary, segment []string) []Draft {
	sub, _ := s.window.Chunk(path, strings.Join(segment, "\n"))
	out := make([]Draft, 0, len(sub))
	for _, d := range sub {
		d.StartLine += b.line
		d.EndLine += b.line
		d.ChunkType = b.chunkType
		d.ChunkName = fmt.Sprintf("%s:%d", b.name, d.StartLine)
		out = append(out, d)
	}
	return out
}

func (s *declStrategy) match(line string) (chunkType, name string, ok bool) {
	indent := indentWidth(line)
	trimmed := strings.TrimLeft(line, " \t")
	for _, p := range s.patterns {
		if indent > p.maxIndent {
			continue
		}
		m := p.re.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		idx := p.re.SubexpIndex("name")
		if idx < 0 || idx >= len(m) {
			continue
		}
		return p.chunkType, m[idx], true
	}
	return "", "", false
}

// indentWidth counts leading whitespace, tabs as four columns.
func indentWidth(line string) int {
	width := 0
	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 4
		default:
			return width
		}
	}
	return width
}

func countNonEmpty(lines []string) int {
	n := 0
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			n++
		}
	}
	return n
}
