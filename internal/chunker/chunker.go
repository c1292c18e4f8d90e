// Package chunker splits source files into semantically coherent fragments.
//
// Splitting is a strategy keyed by detected language: languages with a
// registered strategy are split at declaration or section boundaries, and
// everything else falls back to a fixed-size sliding window so every file
// is still indexable. Strategy failures degrade to the window, never fail.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Chunk type tags.
const (
	TypeFunction = "function"
	TypeClass    = "class"
	TypeBlock    = "block"
	TypeSection  = "section"
)

// Draft is a chunk before identity and embedding are assigned.
type Draft struct {
	ChunkType   string
	ChunkName   string
	Language    string
	StartLine   int // 1-based, inclusive
	EndLine     int // inclusive
	Content     string
	ContentHash string
}

// Strategy splits one file's content into drafts. Implementations may fail;
// the chunker treats any error as a signal to use the window fallback.
type Strategy interface {
	Chunk(path, content string) ([]Draft, error)
}

// Chunker dispatches files to per-language strategies.
type Chunker struct {
	strategies map[string]Strategy
	fallback   Strategy
}

// New builds a chunker with the built-in strategies registered.
func New() *Chunker {
	window := WindowStrategy{Lines: DefaultWindowLines, Overlap: DefaultWindowOverlap}
	c := &Chunker{
		strategies: make(map[string]Strategy),
		fallback:   window,
	}
	for lang, patterns := range declPatterns {
		c.strategies[lang] = &declStrategy{patterns: patterns, window: window}
	}
	c.strategies["markdown"] = NewMarkdownStrategy()
	return c
}

// ChunkFile splits content using the strategy registered for the detected
// language. An empty or failed split degrades to the sliding window; the
// returned drafts always cover the file.
func (c *Chunker) ChunkFile(path, content string) []Draft {
	lang := Detect(path)
	strategy, ok := c.strategies[lang]
	if !ok {
		strategy = c.fallback
	}

	drafts, err := strategy.Chunk(path, content)
	if err != nil || len(drafts) == 0 {
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("strategy failed, using window fallback")
		}
		drafts, _ = c.fallback.Chunk(path, content)
	}

	for i := range drafts {
		drafts[i].Language = lang
		drafts[i].ContentHash = ContentHash(path, drafts[i].Content)
	}
	return drafts
}

// ContentHash fingerprints one chunk, bound to its file path so identical
// snippets in different files stay distinct.
func ContentHash(path, content string) string {
	h := sha256.Sum256([]byte(path + "\x00" + content))
	return hex.EncodeToString(h[:])
}

// FileHash fingerprints a whole file. An unchanged hash lets re-indexing
// skip the file entirely.
func FileHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// Detect maps a file path to a language tag by extension.
func Detect(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".md", ".markdown":
		return "markdown"
	case ".sh", ".bash":
		return "shell"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".tf":
		return "terraform"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}
