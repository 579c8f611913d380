// Command chartquery runs the ChartQuery engine: an HTTP server, an
// indexing tool, and a query CLI over one patient record store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/chartquery/chartquery/internal/api"
	"github.com/chartquery/chartquery/internal/cache"
	"github.com/chartquery/chartquery/internal/config"
	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/ingest"
	"github.com/chartquery/chartquery/internal/llm"
	"github.com/chartquery/chartquery/internal/observability"
	"github.com/chartquery/chartquery/internal/storage"
	"github.com/chartquery/chartquery/internal/vector"
	"github.com/chartquery/chartquery/pkg/engine"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "chartquery",
		Short:         "Question answering over a patient's medical record",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newIndexCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newRecentCmd())
	root.AddCommand(newMigrateCmd())

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

// runtime bundles everything a command needs.
type runtime struct {
	cfg    *config.Config
	logger *observability.Logger
	eng    *engine.Engine
	close  func()
}

// newRuntime loads config, opens every store, and assembles the engine.
func newRuntime(ctx context.Context) (*runtime, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "chartquery",
	})

	db, err := storage.Open(ctx, storage.OpenOptions{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.DatabaseDSN(),
		MaxOpenConns:    maxOpenConns(cfg),
		MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	repos := storage.NewRepositories(db)

	vectors, err := openVectorStore(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := vectors.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to load persisted vector index, starting empty")
	}

	embedder, err := embedding.NewClient(embedding.Config{
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Performance.MaxEmbeddingBatchSize,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	generator, err := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	cacheClient, err := openCache(cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("cache unavailable, continuing without it")
		cacheClient = nil
	}

	eng := engine.New(logger, cfg, repos, embedder, generator, vectors, cacheClient)

	return &runtime{
		cfg:    cfg,
		logger: logger,
		eng:    eng,
		close: func() {
			_ = vectors.Close()
			if cacheClient != nil {
				_ = cacheClient.Close()
			}
			_ = db.Close()
		},
	}, nil
}

func maxOpenConns(cfg *config.Config) int {
	if cfg.Database.Driver == "sqlite" {
		return cfg.Database.SQLite.MaxOpenConns
	}
	return cfg.Database.Postgres.MaxOpenConns
}

func openVectorStore(ctx context.Context, cfg *config.Config) (vector.Store, error) {
	if cfg.VectorDB.Type == "chromadb" {
		return vector.NewChromaStore(ctx, vector.ChromaConfig{
			BaseURL:    cfg.VectorDB.Chroma.BaseURL,
			Collection: cfg.VectorDB.Chroma.Collection,
			Dimension:  cfg.VectorDB.Dimension,
		})
	}
	return vector.NewMemoryStore(vector.MemoryConfig{
		Dimension: cfg.VectorDB.Dimension,
		IndexPath: cfg.VectorDB.FAISS.IndexPath,
	})
}

func openCache(cfg *config.Config) (cache.Client, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	if cfg.Cache.Driver == "redis" {
		return cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
	}
	return cache.NewMemoryClient(cfg.Cache.MaxEntries), nil
}

func newServeCmd() *cobra.Command {
	var warmPatients []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.close()

			if len(warmPatients) > 0 {
				if err := rt.eng.Warm(ctx, warmPatients); err != nil {
					rt.logger.Warn().Err(err).Msg("index warmup failed")
				}
			}

			server := api.NewServer(rt.logger, rt.eng)
			return server.Listen(ctx, rt.cfg.Server)
		},
	}
	cmd.Flags().StringSliceVar(&warmPatients, "warm", nil, "patient ids to preload into the keyword index")
	return cmd
}

func newIndexCmd() *cobra.Command {
	var userID string
	var force bool
	cmd := &cobra.Command{
		Use:   "index <patient-id> <artifacts.json>",
		Short: "Index a patient's artifacts from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, path := args[0], args[1]

			artifacts, err := readArtifactsFile(path, patientID)
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				return fmt.Errorf("no artifacts in %s", path)
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			bar := progressbar.NewOptions(len(artifacts),
				progressbar.OptionSetDescription("indexing"),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
			)

			total := &ingest.Report{PatientID: patientID}
			opts := ingest.IndexOptions{UserID: userID, ForceReindex: force}
			for _, artifact := range artifacts {
				report, err := rt.eng.Index(cmd.Context(), patientID, []storage.Artifact{artifact}, opts)
				if err != nil {
					return err
				}
				total.ArtifactsIndexed += report.ArtifactsIndexed
				total.ArtifactsSkipped += report.ArtifactsSkipped
				total.ChunksCreated += report.ChunksCreated
				total.SentencesCreated += report.SentencesCreated
				total.VectorsWritten += report.VectorsWritten
				total.RelationshipsCreated += report.RelationshipsCreated
				total.Errors = append(total.Errors, report.Errors...)
				_ = bar.Add(1)
			}

			color.Green("indexed %d artifact(s): %d chunks, %d sentences, %d vectors",
				total.ArtifactsIndexed, total.ChunksCreated, total.SentencesCreated, total.VectorsWritten)
			if total.ArtifactsSkipped > 0 {
				color.Yellow("skipped %d artifact(s)", total.ArtifactsSkipped)
			}
			for _, e := range total.Errors {
				color.Red("  %s", e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id for the enrichment rollout bucket")
	cmd.Flags().BoolVar(&force, "force", false, "re-index artifacts that are already indexed")
	return cmd
}

// fileArtifact is the JSON shape accepted by the index command.
type fileArtifact struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Author     string            `json:"author,omitempty"`
	Title      string            `json:"title,omitempty"`
	Text       string            `json:"text"`
	SourceURL  string            `json:"source_url,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

func readArtifactsFile(path, patientID string) ([]storage.Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifacts file: %w", err)
	}
	var payload []fileArtifact
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse artifacts file: %w", err)
	}

	artifacts := make([]storage.Artifact, 0, len(payload))
	for _, p := range payload {
		artifacts = append(artifacts, storage.Artifact{
			ID:         p.ID,
			PatientID:  patientID,
			Type:       storage.ArtifactType(p.Type),
			OccurredAt: p.OccurredAt,
			Author:     p.Author,
			Title:      p.Title,
			Text:       p.Text,
			SourceURL:  p.SourceURL,
			Meta:       p.Meta,
		})
	}
	return artifacts, nil
}

func newQueryCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "query <patient-id> <question>",
		Short: "Ask a question about a patient's record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID := args[0]
			question := strings.Join(args[1:], " ")

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.eng.Warm(cmd.Context(), []string{patientID}); err != nil {
				rt.logger.Warn().Err(err).Msg("index warmup failed")
			}

			spin := spinner.New(spinner.CharSets[14], 100*time.Millisecond,
				spinner.WithSuffix(" answering..."))
			spin.Start()
			bundle, err := rt.eng.Query(cmd.Context(), question, patientID, engine.QueryOptions{TopK: topK})
			spin.Stop()
			if err != nil {
				return err
			}

			printBundle(bundle)
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "override the number of retrieved sources")
	return cmd
}

func printBundle(bundle *engine.AnswerBundle) {
	color.New(color.FgGreen, color.Bold).Println(bundle.ShortAnswer)
	if bundle.DetailedSummary != "" {
		fmt.Println()
		fmt.Println(bundle.DetailedSummary)
	}

	if len(bundle.Sources) > 0 {
		fmt.Println()
		color.Cyan("Sources:")
		for _, src := range bundle.Sources {
			fmt.Printf("  %d. [%s] %s (%s)\n", src.Rank, src.ChunkID, src.Snippet,
				src.OccurredAt.Format("2006-01-02"))
		}
	}

	if q := bundle.Quality; q != nil {
		fmt.Println()
		line := fmt.Sprintf("Quality: %s (%.2f) grounding=%.2f consistency=%.2f confidence=%.2f risk=%.2f",
			q.QualityGrade, q.OverallQuality, q.GroundingScore, q.ConsistencyScore,
			q.ConfidenceScore, q.HallucinationRisk)
		if q.PassesChecks {
			color.Green(line)
		} else {
			color.Yellow(line)
		}
	}

	for _, warning := range bundle.Warnings {
		color.Yellow("warning: %s", warning)
	}

	fmt.Printf("\nretrieval %dms, generation %dms, quality %dms, total %dms\n",
		bundle.Timings.RetrievalMs, bundle.Timings.GenerationMs,
		bundle.Timings.QualityMs, bundle.Timings.TotalMs)
}

func newRecentCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent <patient-id>",
		Short: "Show a patient's recent answered queries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			conversations, err := rt.eng.RecentQueries(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if len(conversations) == 0 {
				fmt.Println("no conversations yet")
				return nil
			}

			for _, c := range conversations {
				color.Cyan("%s  %s", c.QueryTimestamp.Format("2006-01-02 15:04"), c.Query)
				fmt.Printf("  %s\n", c.ShortAnswer)
				if c.OverallQuality != nil {
					fmt.Printf("  quality %.2f, %dms\n", *c.OverallQuality, c.TotalTimeMs)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "number of conversations to show")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := storage.Open(cmd.Context(), storage.OpenOptions{
				Driver: cfg.Database.Driver,
				DSN:    cfg.DatabaseDSN(),
			})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			color.Green("migrations applied")
			return nil
		},
	}
}
