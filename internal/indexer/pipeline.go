package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/askrepo/askrepo/internal/chunker"
	"github.com/askrepo/askrepo/internal/github"
	"github.com/askrepo/askrepo/internal/store"
)

// embedGroupSize bounds how many texts go to the embedder per call so the
// embedding phase can report progress between calls.
const embedGroupSize = 64

// ContentSource lists and fetches the files of one repository branch.
type ContentSource interface {
	ListTree(ctx context.Context) (*github.Listing, error)
	FetchBlob(ctx context.Context, entry github.TreeEntry) (*github.File, error)
}

// SourceFactory builds a content source for one indexing target.
type SourceFactory func(owner, name, branch string) ContentSource

// Embedder turns texts into vectors, order preserved.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore is the persistence surface the pipeline writes through.
type ChunkStore interface {
	UpsertChunks(ctx context.Context, chunks []store.Chunk) error
	DeleteFile(ctx context.Context, owner, name, filePath string) (int, error)
	DeleteStale(ctx context.Context, owner, name string, livePaths []string) (int, error)
	FileHashes(ctx context.Context, owner, name string) (map[string]store.FileMeta, error)
	EmbeddingsByHash(ctx context.Context, owner, name string, hashes []string) (map[string][]float32, error)
	SaveJob(ctx context.Context, j store.Job) error
}

// Pipeline runs full indexing passes over repositories, one at a time per
// repository ref.
type Pipeline struct {
	sources  SourceFactory
	chunker  *chunker.Chunker
	embedder Embedder
	store    ChunkStore
	registry *Registry
	workers  int
}

func NewPipeline(sources SourceFactory, ch *chunker.Chunker, embedder Embedder, st ChunkStore, workers int) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		sources:  sources,
		chunker:  ch,
		embedder: embedder,
		store:    st,
		registry: NewRegistry(),
		workers:  workers,
	}
}

// Result describes the outcome of a Run call. When AlreadyRunning is set the
// job is a snapshot of the in-flight run and no new work was started.
type Result struct {
	Job            store.Job
	AlreadyRunning bool
}

// Status reports the live state of an in-flight run, if any.
func (p *Pipeline) Status(ref store.RepositoryRef) (store.Job, bool) {
	return p.registry.Snapshot(ref)
}

// StatusRepo reports the live state of any in-flight run for the repository,
// whatever the branch. Meant for cheap polling while an index call blocks.
func (p *Pipeline) StatusRepo(owner, name string) (store.Job, bool) {
	return p.registry.SnapshotRepo(owner, name)
}

// Run indexes the repository snapshot end to end and blocks until the run
// reaches a terminal phase. A second Run for the same ref while one is in
// flight returns immediately with AlreadyRunning set.
func (p *Pipeline) Run(ctx context.Context, ref store.RepositoryRef) (Result, error) {
	persist := func(j store.Job) {
		if err := p.store.SaveJob(ctx, j); err != nil {
			log.Warn().Err(err).Str("repo", j.ID).Msg("failed to persist job state")
		}
	}
	newTracker := func() *Tracker {
		return NewTracker(ref, uuid.New().String(), persist)
	}

	release, tracker, ok := p.registry.Acquire(ref, newTracker)
	if !ok {
		return Result{Job: tracker.Snapshot(), AlreadyRunning: true}, nil
	}
	defer release()
	persist(tracker.Snapshot())

	start := time.Now()
	log.Info().Str("repo", ref.Key()).Msg("indexing started")

	if err := p.run(ctx, ref, tracker); err != nil {
		tracker.Fail(err)
		log.Error().Err(err).Str("repo", ref.Key()).Msg("indexing failed")
		return Result{Job: tracker.Snapshot()}, err
	}

	tracker.Complete()
	job := tracker.Snapshot()
	log.Info().
		Str("repo", ref.Key()).
		Int("files", job.Stats.FilesIndexed).
		Int("chunks", job.Stats.ChunksTotal).
		Dur("duration", time.Since(start)).
		Msg("indexing complete")
	return Result{Job: job}, nil
}

type pendingFile struct {
	file       *github.File
	fileHash   string
	drafts     []chunker.Draft
	wasIndexed bool
}

func (p *Pipeline) run(ctx context.Context, ref store.RepositoryRef, tracker *Tracker) error {
	src := p.sources(ref.Owner, ref.Name, ref.Branch)

	// Fetch phase: list the tree, then pull blobs concurrently.
	tracker.SetPhase(store.PhaseFetching, 0)
	listing, err := src.ListTree(ctx)
	if err != nil {
		return err
	}
	tracker.Update(func(s *store.JobStats) {
		s.FilesTotal = len(listing.Entries)
		s.FilesSkipped = listing.Skipped
	})
	tracker.SetPhase(store.PhaseFetching, len(listing.Entries))

	var mu sync.Mutex
	files := make([]*github.File, 0, len(listing.Entries))
	binarySkipped := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, entry := range listing.Entries {
		g.Go(func() error {
			f, err := src.FetchBlob(gctx, entry)
			if err != nil {
				if errors.Is(err, github.ErrBinaryFile) {
					mu.Lock()
					binarySkipped++
					mu.Unlock()
					tracker.Step(1)
					return nil
				}
				return err
			}
			mu.Lock()
			files = append(files, f)
			mu.Unlock()
			tracker.Step(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if binarySkipped > 0 {
		tracker.Update(func(s *store.JobStats) { s.FilesSkipped += binarySkipped })
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	// Chunk phase: skip files whose stored hash is unchanged; their prior
	// chunk counts still contribute to the totals.
	tracker.SetPhase(store.PhaseChunking, len(files))
	cache, err := p.store.FileHashes(ctx, ref.Owner, ref.Name)
	if err != nil {
		return err
	}

	livePaths := make([]string, 0, len(files))
	var pending []pendingFile
	for _, f := range files {
		livePaths = append(livePaths, f.Path)
		fh := chunker.FileHash(f.Content)
		meta, cached := cache[f.Path]
		if cached && meta.FileHash == fh {
			tracker.Update(func(s *store.JobStats) {
				s.ChunksTotal += meta.ChunkCount
				s.FilesIndexed++
			})
			tracker.Step(1)
			continue
		}
		drafts := p.chunker.ChunkFile(f.Path, f.Content)
		tracker.Update(func(s *store.JobStats) { s.ChunksTotal += len(drafts) })
		pending = append(pending, pendingFile{file: f, fileHash: fh, drafts: drafts, wasIndexed: cached})
		tracker.Step(1)
	}
	log.Debug().
		Str("repo", ref.Key()).
		Int("changed", len(pending)).
		Int("cached", len(files)-len(pending)).
		Msg("chunking complete")

	// Embed phase: reuse stored vectors by content hash, embed only the rest.
	vectors, missing, err := p.resolveEmbeddings(ctx, ref, pending)
	if err != nil {
		return err
	}
	tracker.SetPhase(store.PhaseEmbedding, len(missing))
	for start := 0; start < len(missing); start += embedGroupSize {
		end := start + embedGroupSize
		if end > len(missing) {
			end = len(missing)
		}
		group := missing[start:end]
		texts := make([]string, len(group))
		for i, h := range group {
			texts[i] = vectors.texts[h]
		}
		vecs, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		for i, h := range group {
			vectors.byHash[h] = vecs[i]
		}
		tracker.Step(len(group))
	}

	// Store phase: upsert per file, then drop chunks for files no longer in
	// the snapshot. Deletion runs only after every upsert succeeded.
	tracker.SetPhase(store.PhaseStoring, len(pending)+1)
	for _, pf := range pending {
		chunks := make([]store.Chunk, len(pf.drafts))
		for i, d := range pf.drafts {
			vec, found := vectors.byHash[d.ContentHash]
			if !found {
				return fmt.Errorf("missing embedding for %s lines %d-%d", pf.file.Path, d.StartLine, d.EndLine)
			}
			chunks[i] = store.Chunk{
				ID:          store.ChunkID(ref.Owner, ref.Name, pf.file.Path, d.StartLine, d.EndLine),
				RepoOwner:   ref.Owner,
				RepoName:    ref.Name,
				FilePath:    pf.file.Path,
				ChunkType:   d.ChunkType,
				ChunkName:   d.ChunkName,
				Language:    d.Language,
				StartLine:   d.StartLine,
				EndLine:     d.EndLine,
				Content:     d.Content,
				ContentHash: d.ContentHash,
				FileHash:    pf.fileHash,
				Embedding:   vec,
			}
		}
		// A changed file is cleared first so spans that no longer exist
		// do not survive the rewrite.
		if pf.wasIndexed {
			if _, err := p.store.DeleteFile(ctx, ref.Owner, ref.Name, pf.file.Path); err != nil {
				return err
			}
		}
		if err := p.store.UpsertChunks(ctx, chunks); err != nil {
			return err
		}
		tracker.Update(func(s *store.JobStats) {
			s.ChunksIndexed += len(chunks)
			s.FilesIndexed++
		})
		tracker.Step(1)
	}

	deleted, err := p.store.DeleteStale(ctx, ref.Owner, ref.Name, livePaths)
	if err != nil {
		return err
	}
	if deleted > 0 {
		log.Info().Str("repo", ref.Key()).Int("deleted", deleted).Msg("removed stale chunks")
	}
	tracker.Step(1)
	return nil
}

// embeddingSet maps content hashes to vectors and to the texts still needing
// embedding.
type embeddingSet struct {
	byHash map[string][]float32
	texts  map[string]string
}

// resolveEmbeddings looks up stored vectors for the pending drafts and
// returns the content hashes still missing one, in a stable order.
func (p *Pipeline) resolveEmbeddings(ctx context.Context, ref store.RepositoryRef, pending []pendingFile) (*embeddingSet, []string, error) {
	set := &embeddingSet{
		byHash: make(map[string][]float32),
		texts:  make(map[string]string),
	}
	var hashes []string
	for _, pf := range pending {
		for _, d := range pf.drafts {
			if _, seen := set.texts[d.ContentHash]; seen {
				continue
			}
			set.texts[d.ContentHash] = d.Content
			hashes = append(hashes, d.ContentHash)
		}
	}
	if len(hashes) == 0 {
		return set, nil, nil
	}

	stored, err := p.store.EmbeddingsByHash(ctx, ref.Owner, ref.Name, hashes)
	if err != nil {
		return nil, nil, err
	}
	var missing []string
	for _, h := range hashes {
		if vec, found := stored[h]; found {
			set.byHash[h] = vec
			continue
		}
		missing = append(missing, h)
	}
	return set, missing, nil
}
