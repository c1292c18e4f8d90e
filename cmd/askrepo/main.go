// Package main provides the askrepo CLI: index a GitHub repository and ask
// grounded questions about its code.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/askrepo/askrepo/internal/config"
	"github.com/askrepo/askrepo/internal/query"
	"github.com/askrepo/askrepo/internal/service"
	"github.com/askrepo/askrepo/internal/store"
)

var (
	flagBranch   string
	flagLimit    int
	flagLanguage string
	flagPath     string
)

var rootCmd = &cobra.Command{
	Use:   "askrepo",
	Short: "Ask natural-language questions about a GitHub repository",
	Long: `askrepo builds a semantic index of a repository's code and answers
questions about it with file and line citations.

Environment variables:
  ASKREPO_DB_URL   Postgres connection URL with pgvector (required)
  OPENAI_API_KEY   OpenAI API key for embeddings and answers (required)
  GITHUB_TOKEN     GitHub token for higher rate limits (optional)`,
}

var indexCmd = &cobra.Command{
	Use:   "index <owner>/<repo>",
	Short: "Index a repository branch",
	Long: `Fetches the repository tree, chunks every indexable file, embeds the
chunks and stores them. Re-running skips unchanged files and removes chunks
for files that no longer exist.`,
	Args: cobra.ExactArgs(1),
	RunE: runIndex,
}

var queryCmd = &cobra.Command{
	Use:   "query <owner>/<repo> <question>",
	Short: "Ask a question about an indexed repository",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runQuery,
}

var statusCmd = &cobra.Command{
	Use:   "status <owner>/<repo>",
	Short: "Show indexing status for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the database and provider APIs",
	RunE:  runHealth,
}

func init() {
	indexCmd.Flags().StringVar(&flagBranch, "branch", "main", "branch to index")
	statusCmd.Flags().StringVar(&flagBranch, "branch", "main", "branch to report on")
	queryCmd.Flags().IntVar(&flagLimit, "limit", query.DefaultLimit, "how many chunks to retrieve")
	queryCmd.Flags().StringVar(&flagLanguage, "language", "", "restrict retrieval to one language")
	queryCmd.Flags().StringVar(&flagPath, "path", "", "restrict retrieval to a path prefix")

	rootCmd.AddCommand(indexCmd, queryCmd, statusCmd, healthCmd)
}

func main() {
	// Load .env if present for local development, ignore if missing.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newService(ctx context.Context) (*service.Service, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	return service.New(ctx, cfg)
}

// splitRepo parses an "owner/repo" argument.
func splitRepo(arg string) (string, string, error) {
	parts := strings.Split(arg, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("expected <owner>/<repo>, got %q", arg)
	}
	return parts[0], parts[1], nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	owner, repo, err := splitRepo(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	fmt.Printf("Indexing %s/%s@%s...\n", owner, repo, flagBranch)
	result, err := svc.IndexRepository(ctx, owner, repo, flagBranch)
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}
	if result.AlreadyRunning {
		fmt.Printf("An indexing run is already in flight (phase %s, %d%%).\n",
			result.Job.Phase, result.Job.Progress)
		return nil
	}

	job := result.Job
	fmt.Println()
	fmt.Println("Indexing complete!")
	fmt.Printf("  Files:   %d indexed, %d skipped of %d\n",
		job.Stats.FilesIndexed, job.Stats.FilesSkipped, job.Stats.FilesTotal)
	fmt.Printf("  Chunks:  %d total, %d written\n", job.Stats.ChunksTotal, job.Stats.ChunksIndexed)
	if job.CompletedAt != nil {
		fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Second))
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	owner, repo, err := splitRepo(args[0])
	if err != nil {
		return err
	}
	question := strings.Join(args[1:], " ")

	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	result := svc.Query(ctx, query.Request{
		Query:      question,
		Owner:      owner,
		Name:       repo,
		Limit:      flagLimit,
		Language:   flagLanguage,
		PathPrefix: flagPath,
	})
	if !result.Success {
		return fmt.Errorf("query failed: %s", result.Error)
	}

	fmt.Println(result.Answer)
	if len(result.References) > 0 {
		fmt.Println()
		fmt.Println("References:")
		for _, ref := range result.References {
			name := ref.ChunkName
			if name == "" {
				name = ref.ChunkType
			}
			fmt.Printf("  - %s:%d-%d  %s  (%.2f)\n",
				ref.FilePath, ref.StartLine, ref.EndLine, name, ref.Similarity)
		}
	}
	fmt.Println()
	fmt.Printf("Confidence: %.2f  Time: %s\n",
		result.Confidence, result.ProcessingTime.Round(time.Millisecond))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	owner, repo, err := splitRepo(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	job, err := svc.GetStatus(ctx, owner, repo, flagBranch)
	if err != nil {
		return err
	}

	fmt.Printf("Repository: %s\n", job.ID)
	fmt.Printf("Phase:      %s\n", job.Phase)
	if job.Phase == store.PhaseNotStarted {
		return nil
	}
	fmt.Printf("Progress:   %d%%\n", job.Progress)
	fmt.Printf("Files:      %d indexed, %d skipped of %d\n",
		job.Stats.FilesIndexed, job.Stats.FilesSkipped, job.Stats.FilesTotal)
	fmt.Printf("Chunks:     %d\n", job.Stats.ChunksTotal)
	if job.LastError != "" {
		fmt.Printf("Last error: %s\n", job.LastError)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	svc, err := newService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	a := svc.CheckAvailability(ctx)
	fmt.Printf("Database: %s\n", okOrDown(a.Database))
	fmt.Printf("GitHub:   %s\n", okOrDown(a.GitHub))
	fmt.Printf("OpenAI:   %s\n", okOrDown(a.OpenAI))
	if !a.Database || !a.GitHub || !a.OpenAI {
		return fmt.Errorf("one or more collaborators are unavailable")
	}
	return nil
}

func okOrDown(ok bool) string {
	if ok {
		return "ok"
	}
	return "unavailable"
}
