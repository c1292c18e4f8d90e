package indexer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/askrepo/askrepo/internal/chunker"
	"github.com/askrepo/askrepo/internal/github"
	"github.com/askrepo/askrepo/internal/store"
)

const goFile = `package auth

import "errors"

// ValidateToken checks the token signature.
func ValidateToken(token string) error {
	if token == "" {
		return errors.New("empty token")
	}
	return nil
}

// RevokeToken marks the token as revoked.
func RevokeToken(token string) error {
	return nil
}
`

const mdFile = `# Widget

Widget is a demo service.

## Usage

Run the binary.
`

type fakeSource struct {
	mu          sync.Mutex
	files       map[string]string
	binaryPaths map[string]bool
	listSkipped int
	listErr     error
	blockFetch  chan struct{}
}

func (s *fakeSource) ListTree(ctx context.Context) (*github.Listing, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	listing := &github.Listing{Skipped: s.listSkipped}
	for _, p := range paths {
		listing.Entries = append(listing.Entries, github.TreeEntry{
			Path: p, Size: int64(len(s.files[p])), SHA: "sha-" + p,
		})
	}
	return listing, nil
}

func (s *fakeSource) FetchBlob(ctx context.Context, entry github.TreeEntry) (*github.File, error) {
	if s.blockFetch != nil {
		select {
		case <-s.blockFetch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binaryPaths[entry.Path] {
		return nil, github.ErrBinaryFile
	}
	content, found := s.files[entry.Path]
	if !found {
		return nil, &github.FetchError{Op: "get blob " + entry.Path, Err: errors.New("not found")}
	}
	return &github.File{Path: entry.Path, Content: content, Size: int64(len(content)), SHA: entry.SHA}, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts int
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	e.texts += len(texts)
	e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0, 0}
	}
	return out, nil
}

type fakeStore struct {
	mu     sync.Mutex
	chunks map[string]store.Chunk
	jobs   []store.Job
}

func newFakeStore() *fakeStore {
	return &fakeStore{chunks: make(map[string]store.Chunk)}
}

func (f *fakeStore) UpsertChunks(ctx context.Context, chunks []store.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		f.chunks[c.ID] = c
	}
	return nil
}

func (f *fakeStore) DeleteFile(ctx context.Context, owner, name, filePath string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, c := range f.chunks {
		if c.RepoOwner == owner && c.RepoName == name && c.FilePath == filePath {
			delete(f.chunks, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DeleteStale(ctx context.Context, owner, name string, livePaths []string) (int, error) {
	live := make(map[string]bool, len(livePaths))
	for _, p := range livePaths {
		live[p] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, c := range f.chunks {
		if c.RepoOwner == owner && c.RepoName == name && !live[c.FilePath] {
			delete(f.chunks, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) FileHashes(ctx context.Context, owner, name string) (map[string]store.FileMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.FileMeta)
	for _, c := range f.chunks {
		if c.RepoOwner != owner || c.RepoName != name {
			continue
		}
		m := out[c.FilePath]
		m.FileHash = c.FileHash
		m.ChunkCount++
		out[c.FilePath] = m
	}
	return out, nil
}

func (f *fakeStore) EmbeddingsByHash(ctx context.Context, owner, name string, hashes []string) (map[string][]float32, error) {
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]float32)
	for _, c := range f.chunks {
		if c.RepoOwner == owner && c.RepoName == name && want[c.ContentHash] {
			out[c.ContentHash] = c.Embedding
		}
	}
	return out, nil
}

func (f *fakeStore) SaveJob(ctx context.Context, j store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeStore) chunkPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	for _, c := range f.chunks {
		seen[c.FilePath] = true
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (f *fakeStore) chunkIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.chunks))
	for id := range f.chunks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func newTestPipeline(src *fakeSource) (*Pipeline, *fakeStore, *fakeEmbedder) {
	st := newFakeStore()
	emb := &fakeEmbedder{}
	factory := func(owner, name, branch string) ContentSource { return src }
	return NewPipeline(factory, chunker.New(), emb, st, 2), st, emb
}

func TestRun_IndexesRepository(t *testing.T) {
	src := &fakeSource{
		files:       map[string]string{"pkg/auth/token.go": goFile, "README.md": mdFile},
		listSkipped: 1,
	}
	p, st, _ := newTestPipeline(src)

	result, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	assert.False(t, result.AlreadyRunning)

	job := result.Job
	assert.Equal(t, store.PhaseCompleted, job.Phase)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 2, job.Stats.FilesTotal)
	assert.Equal(t, 1, job.Stats.FilesSkipped)
	assert.Equal(t, 2, job.Stats.FilesIndexed)
	assert.Equal(t, len(st.chunkIDs()), job.Stats.ChunksTotal)
	assert.Equal(t, job.Stats.ChunksTotal, job.Stats.ChunksIndexed)
	require.NotNil(t, job.CompletedAt)

	assert.Equal(t, []string{"README.md", "pkg/auth/token.go"}, st.chunkPaths())
	for _, c := range st.chunks {
		assert.NotEmpty(t, c.ID)
		assert.NotEmpty(t, c.Content)
		assert.NotEmpty(t, c.ContentHash)
		assert.Len(t, c.Embedding, 4)
		assert.Equal(t, testRef.Owner, c.RepoOwner)
		if c.FilePath == "pkg/auth/token.go" {
			assert.Equal(t, "go", c.Language)
		}
	}
}

func TestRun_SecondRunIsIdempotent(t *testing.T) {
	src := &fakeSource{files: map[string]string{"pkg/auth/token.go": goFile, "README.md": mdFile}}
	p, st, emb := newTestPipeline(src)

	first, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	callsAfterFirst := emb.calls
	require.Greater(t, callsAfterFirst, 0)
	idsAfterFirst := st.chunkIDs()

	second, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, emb.calls, "unchanged content must not be re-embedded")
	assert.Equal(t, idsAfterFirst, st.chunkIDs())
	assert.Equal(t, first.Job.Stats.ChunksTotal, second.Job.Stats.ChunksTotal)
	assert.Equal(t, first.Job.Stats.FilesIndexed, second.Job.Stats.FilesIndexed)
	assert.Equal(t, 0, second.Job.Stats.ChunksIndexed, "no chunks rewritten on a no-op run")
	assert.NotEqual(t, first.Job.RunID, second.Job.RunID)
}

func TestRun_RemovesDeletedFiles(t *testing.T) {
	src := &fakeSource{files: map[string]string{"pkg/auth/token.go": goFile, "README.md": mdFile}}
	p, st, _ := newTestPipeline(src)

	_, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	require.Equal(t, []string{"README.md", "pkg/auth/token.go"}, st.chunkPaths())

	src.mu.Lock()
	delete(src.files, "README.md")
	src.mu.Unlock()

	_, err = p.Run(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/auth/token.go"}, st.chunkPaths())
}

func TestRun_ReindexesChangedFile(t *testing.T) {
	src := &fakeSource{files: map[string]string{"pkg/auth/token.go": goFile}}
	p, st, emb := newTestPipeline(src)

	_, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	callsAfterFirst := emb.calls

	changed := "package auth\n\n// Nothing left here.\n"
	src.mu.Lock()
	src.files["pkg/auth/token.go"] = changed
	src.mu.Unlock()

	_, err = p.Run(context.Background(), testRef)
	require.NoError(t, err)
	assert.Greater(t, emb.calls, callsAfterFirst, "changed content must be re-embedded")

	wantHash := chunker.FileHash(changed)
	st.mu.Lock()
	defer st.mu.Unlock()
	require.NotEmpty(t, st.chunks)
	for _, c := range st.chunks {
		assert.Equal(t, wantHash, c.FileHash, "stale spans must not survive a rewrite")
	}
}

func TestRun_BinaryBlobSkipped(t *testing.T) {
	src := &fakeSource{
		files:       map[string]string{"README.md": mdFile, "assets/logo.raw": "x"},
		binaryPaths: map[string]bool{"assets/logo.raw": true},
	}
	p, st, _ := newTestPipeline(src)

	result, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Job.Stats.FilesTotal)
	assert.Equal(t, 1, result.Job.Stats.FilesSkipped)
	assert.Equal(t, 1, result.Job.Stats.FilesIndexed)
	assert.Equal(t, []string{"README.md"}, st.chunkPaths())
}

func TestRun_FetchFailureFailsJob(t *testing.T) {
	src := &fakeSource{
		files:   map[string]string{"README.md": mdFile},
		listErr: &github.FetchError{Op: "list tree main", Err: errors.New("503 from upstream")},
	}
	p, st, _ := newTestPipeline(src)

	result, err := p.Run(context.Background(), testRef)
	require.Error(t, err)

	var fetchErr *github.FetchError
	assert.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, store.PhaseFailed, result.Job.Phase)
	assert.NotEmpty(t, result.Job.LastError)
	require.NotNil(t, result.Job.CompletedAt)

	st.mu.Lock()
	last := st.jobs[len(st.jobs)-1]
	st.mu.Unlock()
	assert.Equal(t, store.PhaseFailed, last.Phase)
}

func TestRun_ProgressPersistedMonotonic(t *testing.T) {
	src := &fakeSource{files: map[string]string{"pkg/auth/token.go": goFile, "README.md": mdFile}}
	p, st, _ := newTestPipeline(src)

	_, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)

	st.mu.Lock()
	jobs := append([]store.Job(nil), st.jobs...)
	st.mu.Unlock()
	require.NotEmpty(t, jobs)

	last := 0
	for _, j := range jobs {
		assert.GreaterOrEqual(t, j.Progress, last)
		last = j.Progress
	}
	assert.Equal(t, 100, jobs[len(jobs)-1].Progress)
	assert.Equal(t, store.PhaseCompleted, jobs[len(jobs)-1].Phase)
}

func TestRun_DuplicateTriggerWhileRunning(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{
		files:      map[string]string{"README.md": mdFile},
		blockFetch: block,
	}
	p, _, _ := newTestPipeline(src)

	done := make(chan Result, 1)
	go func() {
		result, err := p.Run(context.Background(), testRef)
		require.NoError(t, err)
		done <- result
	}()

	// Wait for the first run to register.
	require.Eventually(t, func() bool {
		_, running := p.Status(testRef)
		return running
	}, 2*time.Second, 5*time.Millisecond)

	second, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRunning)
	assert.Equal(t, testRef.Key(), second.Job.ID)
	assert.NotEqual(t, store.PhaseCompleted, second.Job.Phase)

	close(block)
	first := <-done
	assert.False(t, first.AlreadyRunning)
	assert.Equal(t, store.PhaseCompleted, first.Job.Phase)

	// The slot is free again after completion.
	src.blockFetch = nil
	third, err := p.Run(context.Background(), testRef)
	require.NoError(t, err)
	assert.False(t, third.AlreadyRunning)
}
