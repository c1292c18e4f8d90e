// Package store persists code chunks, their embeddings and indexing job
// rows in Postgres with pgvector.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Indexing job phases.
const (
	PhaseNotStarted = "not_started"
	PhasePending    = "pending"
	PhaseFetching   = "fetching"
	PhaseChunking   = "chunking"
	PhaseEmbedding  = "embedding"
	PhaseStoring    = "storing"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
)

// TerminalPhase reports whether a phase admits no further transitions.
func TerminalPhase(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseFailed
}

// RepositoryRef identifies one logical indexing target. It is a composite
// key, not itself persisted beyond its use as the job row identity.
type RepositoryRef struct {
	Owner  string
	Name   string
	Branch string
}

// Key is the indexing_jobs primary key for this target.
func (r RepositoryRef) Key() string {
	return r.Owner + "/" + r.Name + "/" + r.Branch
}

func (r RepositoryRef) String() string { return r.Key() }

// Chunk is one stored code fragment with its embedding.
type Chunk struct {
	ID          string
	RepoOwner   string
	RepoName    string
	FilePath    string
	ChunkType   string
	ChunkName   string
	Language    string
	StartLine   int
	EndLine     int
	Content     string
	ContentHash string
	FileHash    string
	Embedding   []float32
}

// ChunkID derives the stable chunk identity from its span. Re-chunking an
// unchanged file reproduces the same ids.
func ChunkID(owner, name, filePath string, startLine, endLine int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%s#%d:%d", owner, name, filePath, startLine, endLine)))
	return hex.EncodeToString(h[:])
}

// ScoredChunk pairs a chunk with its cosine similarity to a query vector.
type ScoredChunk struct {
	Chunk      Chunk
	Similarity float64
}

// SearchFilters narrows a similarity search.
type SearchFilters struct {
	Language   string
	PathPrefix string
}

// JobStats are the counters a job accumulates while running.
type JobStats struct {
	FilesTotal    int
	FilesIndexed  int
	FilesSkipped  int
	ChunksTotal   int
	ChunksIndexed int
}

// Job is the persisted indexing job row, one per repository ref. The row is
// reused across runs (upsert by key) rather than accumulating history.
type Job struct {
	ID          string
	Owner       string
	Name        string
	Branch      string
	RunID       string
	Phase       string
	Progress    int
	Stats       JobStats
	StartedAt   time.Time
	CompletedAt *time.Time
	LastError   string
	UpdatedAt   time.Time
}

// FileMeta summarizes what a prior generation stored for one file.
type FileMeta struct {
	FileHash   string
	ChunkCount int
}
