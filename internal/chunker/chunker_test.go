package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package auth

import "errors"

// ErrInvalidToken is returned for malformed tokens.
var ErrInvalidToken = errors.New("invalid token")

func ValidateToken(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	return nil
}

type TokenStore struct {
	tokens map[string]string
}

func (s *TokenStore) Lookup(key string) (string, bool) {
	v, ok := s.tokens[key]
	return v, ok
}
`

func TestChunkFile_GoDeclarations(t *testing.T) {
	c := New()
	drafts := c.ChunkFile("internal/auth/token.go", goSource)
	require.Len(t, drafts, 4)

	// Preamble with package clause and var declaration.
	assert.Equal(t, TypeBlock, drafts[0].ChunkType)
	assert.Equal(t, 1, drafts[0].StartLine)
	assert.Contains(t, drafts[0].Content, "package auth")

	assert.Equal(t, TypeFunction, drafts[1].ChunkType)
	assert.Equal(t, "ValidateToken", drafts[1].ChunkName)
	assert.Equal(t, 8, drafts[1].StartLine)
	assert.Contains(t, drafts[1].Content, "return ErrInvalidToken")

	assert.Equal(t, TypeClass, drafts[2].ChunkType)
	assert.Equal(t, "TokenStore", drafts[2].ChunkName)

	assert.Equal(t, TypeFunction, drafts[3].ChunkType)
	assert.Equal(t, "Lookup", drafts[3].ChunkName)

	for _, d := range drafts {
		assert.Equal(t, "go", d.Language)
		assert.NotEmpty(t, d.ContentHash)
		assert.LessOrEqual(t, d.StartLine, d.EndLine)
	}
}

func TestChunkFile_PythonClassAndMethods(t *testing.T) {
	source := `import os

class Cache:
    def __init__(self):
        self.data = {}

    def get(self, key):
        return self.data.get(key)

def main():
    cache = Cache()
`
	c := New()
	drafts := c.ChunkFile("cache.py", source)

	names := make([]string, len(drafts))
	for i, d := range drafts {
		names[i] = d.ChunkName
	}
	assert.Contains(t, names, "Cache")
	assert.Contains(t, names, "__init__")
	assert.Contains(t, names, "get")
	assert.Contains(t, names, "main")
	for _, d := range drafts {
		assert.Equal(t, "python", d.Language)
	}
}

func TestChunkFile_UnknownLanguageUsesWindow(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "line %d\n", i+1)
	}

	c := New()
	drafts := c.ChunkFile("data.conf", b.String())
	require.Greater(t, len(drafts), 1)

	assert.Equal(t, TypeBlock, drafts[0].ChunkType)
	assert.Equal(t, 1, drafts[0].StartLine)
	assert.Equal(t, DefaultWindowLines, drafts[0].EndLine)

	// Windows overlap by DefaultWindowOverlap lines.
	assert.Equal(t, DefaultWindowLines-DefaultWindowOverlap+1, drafts[1].StartLine)
	assert.Equal(t, 200, drafts[len(drafts)-1].EndLine)
}

func TestChunkFile_MarkdownSections(t *testing.T) {
	source := `# Getting Started

Intro paragraph.

## Install

Run the installer.

## Configure

Edit the config file.
`
	c := New()
	drafts := c.ChunkFile("README.md", source)
	require.Len(t, drafts, 3)

	assert.Equal(t, TypeSection, drafts[0].ChunkType)
	assert.Equal(t, "Getting Started", drafts[0].ChunkName)
	assert.Equal(t, 1, drafts[0].StartLine)

	assert.Equal(t, "Getting Started > Install", drafts[1].ChunkName)
	assert.Contains(t, drafts[1].Content, "Run the installer")

	assert.Equal(t, "Getting Started > Configure", drafts[2].ChunkName)
}

func TestChunkFile_MarkdownWithoutHeadings(t *testing.T) {
	c := New()
	drafts := c.ChunkFile("NOTES.md", "just a paragraph\nwith two lines\n")
	require.Len(t, drafts, 1)
	assert.Equal(t, TypeBlock, drafts[0].ChunkType)
}

func TestChunkFile_EmptyFile(t *testing.T) {
	c := New()
	assert.Empty(t, c.ChunkFile("empty.go", ""))
}

func TestContentHash_Stable(t *testing.T) {
	a := ContentHash("a.go", "func A() {}")
	b := ContentHash("a.go", "func A() {}")
	assert.Equal(t, a, b)

	// Same content in a different file hashes differently.
	assert.NotEqual(t, a, ContentHash("b.go", "func A() {}"))
	// Changed content hashes differently.
	assert.NotEqual(t, a, ContentHash("a.go", "func A() { return }"))
}

func TestDetect(t *testing.T) {
	tests := map[string]string{
		"main.go":       "go",
		"app/index.tsx": "typescript",
		"lib/util.mjs":  "javascript",
		"setup.py":      "python",
		"README.md":     "markdown",
		"deploy.sh":     "shell",
		"main.tf":       "terraform",
		"data.xyz":      "xyz",
	}
	for path, want := range tests {
		assert.Equal(t, want, Detect(path), "path %q", path)
	}
}

func TestWindowStrategy_ShortFile(t *testing.T) {
	w := WindowStrategy{Lines: 80, Overlap: 10}
	drafts, err := w.Chunk("short.txt", "one\ntwo\nthree\n")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, 1, drafts[0].StartLine)
	assert.Equal(t, 3, drafts[0].EndLine)
	assert.Equal(t, "one\ntwo\nthree", drafts[0].Content)
}
