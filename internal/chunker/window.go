package chunker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Window fallback defaults.
const (
	DefaultWindowLines   = 80
	DefaultWindowOverlap = 10

	// maxSegmentLines caps a single declaration chunk before it is
	// re-split by the window.
	maxSegmentLines = 200
)

// WindowStrategy is the language-agnostic fallback: fixed-size line windows
// with overlap between neighbors.
type WindowStrategy struct {
	Lines   int
	Overlap int
}

// Chunk splits content into overlapping line windows.
func (w WindowStrategy) Chunk(path, content string) ([]Draft, error) {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil, nil
	}

	size := w.Lines
	if size <= 0 {
		size = DefaultWindowLines
	}
	step := size - w.Overlap
	if step <= 0 {
		step = size
	}

	var drafts []Draft
	for start := 0; start < len(lines); start += step {
		end := min(start+size, len(lines))
		drafts = append(drafts, Draft{
			ChunkType: TypeBlock,
			ChunkName: fmt.Sprintf("%s:%d", filepath.Base(path), start+1),
			StartLine: start + 1,
			EndLine:   end,
			Content:   strings.Join(lines[start:end], "\n"),
		})
		if end == len(lines) {
			break
		}
	}
	return drafts, nil
}

// splitLines splits content into lines, dropping a trailing newline's empty
// remainder so line counts match what editors report.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
