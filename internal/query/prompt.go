package query

import (
	"fmt"
	"strings"

	"github.com/askrepo/askrepo/internal/store"
)

const systemInstruction = `You are a code assistant answering questions about a specific repository.
Answer using ONLY the code excerpts provided in the context. If the context
does not contain enough information, say so rather than guessing.
When your answer draws on an excerpt, name its file path so the reader can
find it. Keep answers concise and concrete.`

// buildPrompt assembles the retrieved chunks and the question into a single
// completion prompt.
func buildPrompt(question string, scored []store.ScoredChunk) string {
	var b strings.Builder
	b.WriteString("Context from the repository:\n\n")
	for _, sc := range scored {
		c := sc.Chunk
		fmt.Fprintf(&b, "File: %s (lines %d-%d)\n", c.FilePath, c.StartLine, c.EndLine)
		if c.ChunkName != "" {
			fmt.Fprintf(&b, "%s: %s\n", c.ChunkType, c.ChunkName)
		}
		fmt.Fprintf(&b, "```%s\n%s\n```\n\n", c.Language, c.Content)
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
