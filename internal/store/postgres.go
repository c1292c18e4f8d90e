package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
)

const upsertBatchSize = 100

// Store persists chunks and jobs in Postgres. All embeddings it accepts must
// have the dimension the store was opened with.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects a pool to the given database URL. dim fixes the vector column
// width for Migrate and is validated on every upsert and search.
func New(ctx context.Context, url string, dim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, wrap("parse config", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrap("connect", err)
	}
	return &Store{pool: pool, dim: dim}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS code_chunks (
  id           TEXT PRIMARY KEY,
  repo_owner   TEXT NOT NULL,
  repo_name    TEXT NOT NULL,
  file_path    TEXT NOT NULL,
  chunk_type   TEXT NOT NULL DEFAULT '',
  chunk_name   TEXT NOT NULL DEFAULT '',
  language     TEXT NOT NULL DEFAULT '',
  line_start   INT NOT NULL,
  line_end     INT NOT NULL,
  content      TEXT NOT NULL,
  content_hash TEXT NOT NULL,
  file_hash    TEXT NOT NULL,
  embedding    vector(%d),
  updated_at   TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS code_chunks_span_uidx
  ON code_chunks (repo_owner, repo_name, file_path, line_start, line_end);

CREATE INDEX IF NOT EXISTS code_chunks_repo_idx
  ON code_chunks (repo_owner, repo_name);

CREATE INDEX IF NOT EXISTS code_chunks_content_hash_idx
  ON code_chunks (content_hash);

CREATE INDEX IF NOT EXISTS code_chunks_embedding_idx
  ON code_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS indexing_jobs (
  id             TEXT PRIMARY KEY,
  repo_owner     TEXT NOT NULL,
  repo_name      TEXT NOT NULL,
  branch         TEXT NOT NULL,
  run_id         TEXT NOT NULL,
  phase          TEXT NOT NULL,
  progress       INT NOT NULL DEFAULT 0,
  files_total    INT NOT NULL DEFAULT 0,
  files_indexed  INT NOT NULL DEFAULT 0,
  files_skipped  INT NOT NULL DEFAULT 0,
  chunks_total   INT NOT NULL DEFAULT 0,
  chunks_indexed INT NOT NULL DEFAULT 0,
  started_at     TIMESTAMP WITH TIME ZONE NOT NULL,
  completed_at   TIMESTAMP WITH TIME ZONE,
  last_error     TEXT NOT NULL DEFAULT '',
  updated_at     TIMESTAMP WITH TIME ZONE DEFAULT now()
);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, s.dim))
	return wrap("migrate", err)
}

// UpsertChunks writes chunks in batches, retrying each batch on transient
// failures. A wrong-width embedding fails the whole call before any write.
func (s *Store) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			return wrap("upsert chunks", fmt.Errorf("%w: chunk %s has %d, store expects %d",
				ErrDimensionMismatch, c.ID, len(c.Embedding), s.dim))
		}
	}
	for start := 0; start < len(chunks); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := s.upsertBatch(ctx, chunks[start:end]); err != nil {
			return wrap("upsert chunks", err)
		}
	}
	return nil
}

func (s *Store) upsertBatch(ctx context.Context, chunks []Chunk) error {
	const q = `
INSERT INTO code_chunks (
  id, repo_owner, repo_name, file_path, chunk_type, chunk_name, language,
  line_start, line_end, content, content_hash, file_hash, embedding, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
ON CONFLICT (repo_owner, repo_name, file_path, line_start, line_end) DO UPDATE SET
  id           = EXCLUDED.id,
  chunk_type   = EXCLUDED.chunk_type,
  chunk_name   = EXCLUDED.chunk_name,
  language     = EXCLUDED.language,
  content      = EXCLUDED.content,
  content_hash = EXCLUDED.content_hash,
  file_hash    = EXCLUDED.file_hash,
  embedding    = EXCLUDED.embedding,
  updated_at   = now();`

	op := func() error {
		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(q,
				c.ID, c.RepoOwner, c.RepoName, c.FilePath, c.ChunkType, c.ChunkName,
				c.Language, c.StartLine, c.EndLine, c.Content, c.ContentHash,
				c.FileHash, pgvector.NewVector(c.Embedding),
			)
		}
		br := s.pool.SendBatch(ctx, batch)
		defer br.Close()
		for range chunks {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("chunk batch upsert failed, retrying")
	}
	return backoff.RetryNotify(op, newBackOff(ctx), notify)
}

// DeleteStale removes chunks whose file is no longer part of the repository
// snapshot. livePaths is the full set of paths the current run produced.
func (s *Store) DeleteStale(ctx context.Context, owner, name string, livePaths []string) (int, error) {
	const q = `
DELETE FROM code_chunks
WHERE repo_owner = $1 AND repo_name = $2 AND NOT (file_path = ANY($3))`
	tag, err := s.pool.Exec(ctx, q, owner, name, livePaths)
	if err != nil {
		return 0, wrap("delete stale", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteFile removes every chunk stored for one file. Run before
// re-inserting a changed file so spans that no longer exist do not linger.
func (s *Store) DeleteFile(ctx context.Context, owner, name, filePath string) (int, error) {
	const q = `
DELETE FROM code_chunks
WHERE repo_owner = $1 AND repo_name = $2 AND file_path = $3`
	tag, err := s.pool.Exec(ctx, q, owner, name, filePath)
	if err != nil {
		return 0, wrap("delete file", err)
	}
	return int(tag.RowsAffected()), nil
}

// Search returns the k chunks nearest to the query vector by cosine
// similarity, ordered best first.
func (s *Store) Search(ctx context.Context, owner, name string, vec []float32, k int, filters SearchFilters) ([]ScoredChunk, error) {
	if len(vec) != s.dim {
		return nil, wrap("search", fmt.Errorf("%w: query has %d, store expects %d",
			ErrDimensionMismatch, len(vec), s.dim))
	}

	args := []any{pgvector.NewVector(vec), owner, name}
	var conds []string
	if filters.Language != "" {
		args = append(args, filters.Language)
		conds = append(conds, fmt.Sprintf("language = $%d", len(args)))
	}
	if filters.PathPrefix != "" {
		args = append(args, filters.PathPrefix)
		conds = append(conds, fmt.Sprintf("file_path LIKE $%d || '%%'", len(args)))
	}
	where := "repo_owner = $2 AND repo_name = $3"
	if len(conds) > 0 {
		where += " AND " + strings.Join(conds, " AND ")
	}

	q := fmt.Sprintf(`
SELECT id, repo_owner, repo_name, file_path, chunk_type, chunk_name, language,
       line_start, line_end, content, content_hash, file_hash,
       1 - (embedding <=> $1) AS similarity
FROM code_chunks
WHERE %s
ORDER BY embedding <=> $1
LIMIT %d`, where, k)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap("search", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		if err := rows.Scan(
			&sc.Chunk.ID, &sc.Chunk.RepoOwner, &sc.Chunk.RepoName, &sc.Chunk.FilePath,
			&sc.Chunk.ChunkType, &sc.Chunk.ChunkName, &sc.Chunk.Language,
			&sc.Chunk.StartLine, &sc.Chunk.EndLine, &sc.Chunk.Content,
			&sc.Chunk.ContentHash, &sc.Chunk.FileHash, &sc.Similarity,
		); err != nil {
			return nil, wrap("search scan", err)
		}
		out = append(out, sc)
	}
	return out, wrap("search rows", rows.Err())
}

// FileHashes returns the stored file hash and chunk count for every file of
// the repository. Used to skip re-chunking unchanged files.
func (s *Store) FileHashes(ctx context.Context, owner, name string) (map[string]FileMeta, error) {
	const q = `
SELECT file_path, file_hash, COUNT(*)
FROM code_chunks
WHERE repo_owner = $1 AND repo_name = $2
GROUP BY file_path, file_hash`
	rows, err := s.pool.Query(ctx, q, owner, name)
	if err != nil {
		return nil, wrap("file hashes", err)
	}
	defer rows.Close()

	out := make(map[string]FileMeta)
	for rows.Next() {
		var path string
		var m FileMeta
		if err := rows.Scan(&path, &m.FileHash, &m.ChunkCount); err != nil {
			return nil, wrap("file hashes scan", err)
		}
		out[path] = m
	}
	return out, wrap("file hashes rows", rows.Err())
}

// EmbeddingsByHash resolves already-embedded content hashes to their vectors
// so unchanged content is never re-embedded.
func (s *Store) EmbeddingsByHash(ctx context.Context, owner, name string, hashes []string) (map[string][]float32, error) {
	if len(hashes) == 0 {
		return map[string][]float32{}, nil
	}
	const q = `
SELECT DISTINCT ON (content_hash) content_hash, embedding
FROM code_chunks
WHERE repo_owner = $1 AND repo_name = $2 AND content_hash = ANY($3)`
	rows, err := s.pool.Query(ctx, q, owner, name, hashes)
	if err != nil {
		return nil, wrap("embeddings by hash", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var hash string
		var vec pgvector.Vector
		if err := rows.Scan(&hash, &vec); err != nil {
			return nil, wrap("embeddings by hash scan", err)
		}
		out[hash] = vec.Slice()
	}
	return out, wrap("embeddings by hash rows", rows.Err())
}

// CountChunks reports how many chunks are stored for the repository.
func (s *Store) CountChunks(ctx context.Context, owner, name string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM code_chunks WHERE repo_owner = $1 AND repo_name = $2`,
		owner, name).Scan(&n)
	return n, wrap("count chunks", err)
}

// SaveJob upserts the job row keyed by repository ref.
func (s *Store) SaveJob(ctx context.Context, j Job) error {
	const q = `
INSERT INTO indexing_jobs (
  id, repo_owner, repo_name, branch, run_id, phase, progress,
  files_total, files_indexed, files_skipped, chunks_total, chunks_indexed,
  started_at, completed_at, last_error, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
ON CONFLICT (id) DO UPDATE SET
  run_id         = EXCLUDED.run_id,
  phase          = EXCLUDED.phase,
  progress       = EXCLUDED.progress,
  files_total    = EXCLUDED.files_total,
  files_indexed  = EXCLUDED.files_indexed,
  files_skipped  = EXCLUDED.files_skipped,
  chunks_total   = EXCLUDED.chunks_total,
  chunks_indexed = EXCLUDED.chunks_indexed,
  started_at     = EXCLUDED.started_at,
  completed_at   = EXCLUDED.completed_at,
  last_error     = EXCLUDED.last_error,
  updated_at     = now();`
	_, err := s.pool.Exec(ctx, q,
		j.ID, j.Owner, j.Name, j.Branch, j.RunID, j.Phase, j.Progress,
		j.Stats.FilesTotal, j.Stats.FilesIndexed, j.Stats.FilesSkipped,
		j.Stats.ChunksTotal, j.Stats.ChunksIndexed,
		j.StartedAt, j.CompletedAt, j.LastError,
	)
	return wrap("save job", err)
}

// GetJob loads the persisted job row for the repository ref. The boolean is
// false when no run has ever been recorded.
func (s *Store) GetJob(ctx context.Context, ref RepositoryRef) (Job, bool, error) {
	const q = `
SELECT id, repo_owner, repo_name, branch, run_id, phase, progress,
       files_total, files_indexed, files_skipped, chunks_total, chunks_indexed,
       started_at, completed_at, last_error, updated_at
FROM indexing_jobs WHERE id = $1`
	var j Job
	err := s.pool.QueryRow(ctx, q, ref.Key()).Scan(
		&j.ID, &j.Owner, &j.Name, &j.Branch, &j.RunID, &j.Phase, &j.Progress,
		&j.Stats.FilesTotal, &j.Stats.FilesIndexed, &j.Stats.FilesSkipped,
		&j.Stats.ChunksTotal, &j.Stats.ChunksIndexed,
		&j.StartedAt, &j.CompletedAt, &j.LastError, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, wrap("get job", err)
	}
	return j, true, nil
}

func newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(bo, ctx)
}
