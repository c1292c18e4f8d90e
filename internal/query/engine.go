// Package query answers natural-language questions about an indexed
// repository, grounding every answer in retrieved chunks.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/askrepo/askrepo/internal/store"
)

// DefaultLimit is how many chunks a query retrieves when the caller does not
// ask for a specific count.
const DefaultLimit = 5

// SearchStore is the retrieval surface the engine reads from.
type SearchStore interface {
	Search(ctx context.Context, owner, name string, vec []float32, k int, filters store.SearchFilters) ([]store.ScoredChunk, error)
	CountChunks(ctx context.Context, owner, name string) (int, error)
}

// Embedder turns texts into vectors, order preserved.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer produces a text answer from a system instruction and a prompt.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Request is one question about one repository.
type Request struct {
	Query      string
	Owner      string
	Name       string
	Limit      int
	Language   string
	PathPrefix string
}

// Reference cites one retrieved chunk in the order it was ranked.
type Reference struct {
	FilePath   string
	ChunkType  string
	ChunkName  string
	Language   string
	StartLine  int
	EndLine    int
	Similarity float64
}

// Result is the composed answer. Failures are reported in-band: Success is
// false and Error carries the reason, so callers never branch on an error
// value for the query path.
type Result struct {
	Success        bool
	Answer         string
	References     []Reference
	Confidence     float64
	ProcessingTime time.Duration
	TotalChunks    int
	SearchTerms    []string
	Error          string
}

// Engine retrieves relevant chunks and composes grounded answers.
type Engine struct {
	store     SearchStore
	embedder  Embedder
	completer Completer
}

func NewEngine(st SearchStore, embedder Embedder, completer Completer) *Engine {
	return &Engine{store: st, embedder: embedder, completer: completer}
}

// Answer runs the full query path: one embedding call, one store search and
// at most one completion call. An empty index short-circuits before the
// completion provider is touched.
func (e *Engine) Answer(ctx context.Context, req Request) Result {
	start := time.Now()
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	terms := SearchTerms(req.Query)

	fail := func(stage string, err error) Result {
		log.Warn().Err(err).Str("stage", stage).Str("repo", req.Owner+"/"+req.Name).Msg("query failed")
		return Result{
			SearchTerms:    terms,
			ProcessingTime: time.Since(start),
			Error:          fmt.Sprintf("%s: %v", stage, err),
		}
	}

	vecs, err := e.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return fail("embed query", err)
	}
	if len(vecs) != 1 {
		return fail("embed query", fmt.Errorf("expected 1 vector, got %d", len(vecs)))
	}

	filters := store.SearchFilters{Language: req.Language, PathPrefix: req.PathPrefix}
	scored, err := e.store.Search(ctx, req.Owner, req.Name, vecs[0], limit, filters)
	if err != nil {
		return fail("search", err)
	}

	if len(scored) == 0 {
		total, err := e.store.CountChunks(ctx, req.Owner, req.Name)
		if err != nil {
			return fail("count chunks", err)
		}
		return Result{
			Success:        true,
			Answer:         noMatchAnswer(req, total),
			References:     []Reference{},
			SearchTerms:    terms,
			TotalChunks:    total,
			ProcessingTime: time.Since(start),
		}
	}

	answer, err := e.completer.Complete(ctx, systemInstruction, buildPrompt(req.Query, scored))
	if err != nil {
		return fail("complete", err)
	}

	refs := make([]Reference, len(scored))
	for i, sc := range scored {
		refs[i] = Reference{
			FilePath:   sc.Chunk.FilePath,
			ChunkType:  sc.Chunk.ChunkType,
			ChunkName:  sc.Chunk.ChunkName,
			Language:   sc.Chunk.Language,
			StartLine:  sc.Chunk.StartLine,
			EndLine:    sc.Chunk.EndLine,
			Similarity: sc.Similarity,
		}
	}

	return Result{
		Success:        true,
		Answer:         answer,
		References:     refs,
		Confidence:     clamp01(scored[0].Similarity),
		SearchTerms:    terms,
		ProcessingTime: time.Since(start),
	}
}

func noMatchAnswer(req Request, total int) string {
	if total == 0 {
		return fmt.Sprintf("No code has been indexed for %s/%s yet. Run indexing first.", req.Owner, req.Name)
	}
	return fmt.Sprintf("No relevant code found for this question in %s/%s (%d chunks indexed). Try rephrasing or removing filters.", req.Owner, req.Name, total)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
