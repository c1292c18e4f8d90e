// Package service wires configuration, storage, the indexing pipeline and
// the query engine into one facade the CLI talks to.
package service

import (
	"context"
	"time"

	"github.com/askrepo/askrepo/internal/chunker"
	"github.com/askrepo/askrepo/internal/config"
	"github.com/askrepo/askrepo/internal/embedding"
	"github.com/askrepo/askrepo/internal/github"
	"github.com/askrepo/askrepo/internal/indexer"
	"github.com/askrepo/askrepo/internal/query"
	"github.com/askrepo/askrepo/internal/store"
)

// Service is the exposed surface of the system.
type Service struct {
	cfg      config.Specification
	store    *store.Store
	pipeline *indexer.Pipeline
	engine   *query.Engine
	github   *github.Client
	ai       *embedding.Client
}

// New wires a service from configuration. It connects to the database and
// applies the schema; provider clients are built but not exercised until an
// operation needs them.
func New(ctx context.Context, cfg config.Specification) (*Service, error) {
	st, err := store.New(ctx, cfg.DatabaseURL, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	ghClient, err := github.NewClient(cfg.GithubToken)
	if err != nil {
		st.Close()
		return nil, err
	}

	svc := &Service{cfg: cfg, store: st, github: ghClient}

	// Without an OpenAI key the service still serves status and health;
	// indexing and querying report the missing credential when called.
	if cfg.OpenAIAPIKey != "" {
		aiClient, err := embedding.NewClient(cfg.OpenAIAPIKey)
		if err != nil {
			st.Close()
			return nil, err
		}
		embedder := embedding.NewEmbedder(aiClient, cfg.EmbedModel, cfg.EmbedBatchSize)
		sources := func(owner, name, branch string) indexer.ContentSource {
			return github.NewFetcher(ghClient, owner, name, branch, cfg.MaxFileSize)
		}
		svc.ai = aiClient
		svc.pipeline = indexer.NewPipeline(sources, chunker.New(), embedder, st, cfg.FetchWorkers)
		svc.engine = query.NewEngine(st, embedder, query.NewOpenAICompleter(aiClient.Raw(), cfg.ChatModel))
	}
	return svc, nil
}

var errNoOpenAIKey = &config.Error{Field: "OPENAI_API_KEY", Reason: "required for indexing and querying"}

func (s *Service) Close() { s.store.Close() }

// IndexRepository runs a full indexing pass and blocks until it finishes.
// When a run for the same target is already in flight, the returned result
// carries that run's snapshot instead of starting a new one.
func (s *Service) IndexRepository(ctx context.Context, owner, name, branch string) (indexer.Result, error) {
	if s.pipeline == nil {
		return indexer.Result{}, errNoOpenAIKey
	}
	ref := store.RepositoryRef{Owner: owner, Name: name, Branch: branch}
	return s.pipeline.Run(ctx, ref)
}

// GetStatus reports indexing state for a repository: the live in-flight run
// when there is one, otherwise the last persisted run, otherwise a
// not-started placeholder.
func (s *Service) GetStatus(ctx context.Context, owner, name, branch string) (store.Job, error) {
	ref := store.RepositoryRef{Owner: owner, Name: name, Branch: branch}
	if s.pipeline != nil {
		if job, running := s.pipeline.Status(ref); running {
			return job, nil
		}
	}
	job, found, err := s.store.GetJob(ctx, ref)
	if err != nil {
		return store.Job{}, err
	}
	if !found {
		return store.Job{
			ID:     ref.Key(),
			Owner:  owner,
			Name:   name,
			Branch: branch,
			Phase:  store.PhaseNotStarted,
		}, nil
	}
	return job, nil
}

// GetJobStatus returns the live progress of an in-flight indexing run for
// the repository, whatever branch it targets. The boolean is false when
// nothing is running.
func (s *Service) GetJobStatus(owner, name string) (store.Job, bool) {
	if s.pipeline == nil {
		return store.Job{}, false
	}
	return s.pipeline.StatusRepo(owner, name)
}

// Query answers a question about an indexed repository. Failures are
// reported inside the result, never as an error.
func (s *Service) Query(ctx context.Context, req query.Request) query.Result {
	if s.engine == nil {
		return query.Result{Error: errNoOpenAIKey.Error()}
	}
	return s.engine.Answer(ctx, req)
}

// Availability reports which collaborators responded to a health probe.
type Availability struct {
	Database bool
	OpenAI   bool
	GitHub   bool
}

// CheckAvailability probes each external collaborator with a short timeout.
func (s *Service) CheckAvailability(ctx context.Context) Availability {
	var a Availability
	a.Database = s.store.Ping(ctx) == nil

	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, _, ghErr := s.github.RateLimit.Get(probe)
	a.GitHub = ghErr == nil

	if s.ai != nil {
		_, aiErr := s.ai.CreateEmbeddings(probe, s.cfg.EmbedModel, []string{"ping"})
		a.OpenAI = aiErr == nil
	}
	return a
}
