package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v81/github"
)

// DefaultMaxFileSize is the per-file size ceiling. Larger blobs are treated
// as non-indexable and skipped at listing time.
const DefaultMaxFileSize = 1 << 20

// ErrBinaryFile marks a blob whose decoded content failed the binary
// heuristic; callers skip the file rather than failing the job.
var ErrBinaryFile = errors.New("binary file content")

// FetchError reports a hosting-API failure after the retry budget is
// exhausted. Partial is the number of files already yielded by this fetcher.
type FetchError struct {
	Op      string
	Partial int
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (after %d files): %v", e.Op, e.Partial, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// TreeEntry describes one indexable blob in the repository tree.
type TreeEntry struct {
	Path string
	Size int64
	SHA  string
}

// Listing is the filtered view of a branch tree. Skipped counts entries
// rejected by the binary or size filters.
type Listing struct {
	Entries []TreeEntry
	Skipped int
}

// File is one fetched repository file.
type File struct {
	Path    string
	Content string
	Size    int64
	SHA     string
}

// Extensions that never hold indexable text.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true, ".bmp": true, ".pdf": true, ".zip": true,
	".gz": true, ".tar": true, ".tgz": true, ".jar": true, ".war": true,
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".class": true, ".o": true, ".a": true, ".wasm": true, ".woff": true,
	".woff2": true, ".ttf": true, ".eot": true, ".otf": true, ".mp3": true,
	".mp4": true, ".mov": true, ".avi": true, ".lock": true, ".sum": true,
}

// Directories whose contents are generated or vendored, not authored.
var skipDirs = []string{
	"vendor/", "node_modules/", "dist/", "build/", "target/",
	".git/", ".idea/", "__pycache__/", ".venv/", "venv/",
}

// Fetcher retrieves the file tree of one repository branch. It is read-only
// against the source host; a fresh ListTree call re-fetches from scratch.
type Fetcher struct {
	client      *Client
	owner       string
	repo        string
	branch      string
	maxFileSize int64
	yielded     atomic.Int64
}

// NewFetcher creates a fetcher for one (owner, repo, branch) target.
// A non-positive maxFileSize falls back to DefaultMaxFileSize.
func NewFetcher(client *Client, owner, repo, branch string, maxFileSize int64) *Fetcher {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Fetcher{
		client:      client,
		owner:       owner,
		repo:        repo,
		branch:      branch,
		maxFileSize: maxFileSize,
	}
}

// ListTree lists all indexable blobs on the branch via the Git Trees API,
// applying the binary-extension, vendored-directory and size filters.
func (f *Fetcher) ListTree(ctx context.Context) (*Listing, error) {
	var tree *github.Tree
	operation := func() error {
		t, resp, err := f.client.Git.GetTree(ctx, f.owner, f.repo, f.branch, true)
		if err != nil {
			if !retryable(resp, err) {
				return backoff.Permanent(err)
			}
			return err
		}
		tree = t
		return nil
	}

	if err := backoff.Retry(operation, newBackOff(ctx)); err != nil {
		return nil, &FetchError{Op: "list tree " + f.branch, Partial: int(f.yielded.Load()), Err: err}
	}

	listing := &Listing{}
	for _, item := range tree.Entries {
		if item.GetType() != "blob" {
			continue
		}
		p := item.GetPath()
		size := int64(item.GetSize())
		if skipPath(p) || size > f.maxFileSize {
			listing.Skipped++
			continue
		}
		listing.Entries = append(listing.Entries, TreeEntry{Path: p, Size: size, SHA: item.GetSHA()})
	}
	return listing, nil
}

// FetchBlob fetches and decodes one blob. Content that fails the null-byte
// heuristic returns ErrBinaryFile so the caller can skip it.
func (f *Fetcher) FetchBlob(ctx context.Context, entry TreeEntry) (*File, error) {
	var blob *github.Blob
	operation := func() error {
		b, resp, err := f.client.Git.GetBlob(ctx, f.owner, f.repo, entry.SHA)
		if err != nil {
			if !retryable(resp, err) {
				return backoff.Permanent(err)
			}
			return err
		}
		blob = b
		return nil
	}

	if err := backoff.Retry(operation, newBackOff(ctx)); err != nil {
		return nil, &FetchError{Op: "get blob " + entry.Path, Partial: int(f.yielded.Load()), Err: err}
	}

	raw := blob.GetContent()
	if blob.GetEncoding() == "base64" {
		// The blobs API wraps base64 payloads with newlines.
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(raw, "\n", ""))
		if err != nil {
			return nil, &FetchError{Op: "decode blob " + entry.Path, Partial: int(f.yielded.Load()), Err: err}
		}
		raw = string(decoded)
	}

	if isBinary(raw) {
		return nil, ErrBinaryFile
	}

	f.yielded.Add(1)
	return &File{Path: entry.Path, Content: raw, Size: int64(len(raw)), SHA: entry.SHA}, nil
}

// skipPath rejects files by extension deny-list and vendored directories.
func skipPath(p string) bool {
	lower := strings.ToLower(p)
	for _, dir := range skipDirs {
		if strings.HasPrefix(lower, dir) || strings.Contains(lower, "/"+dir) {
			return true
		}
	}
	return binaryExtensions[path.Ext(lower)]
}

// isBinary applies the null-byte heuristic to decoded content.
func isBinary(content string) bool {
	return strings.IndexByte(content, 0) >= 0
}

// retryable classifies a GitHub API failure. Rate limits, server errors and
// transport failures are worth retrying; everything else is permanent.
func retryable(resp *github.Response, err error) bool {
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return true
	}
	if resp == nil {
		return true
	}
	return resp.StatusCode >= 500
}

func newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return backoff.WithContext(b, ctx)
}
