// Command whisper-memory stores, queries, hydrates, and deletes semantic
// memories against local chromem and sqlite backends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/clog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory"
	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/embedder/mock"
	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/embedder/openai"
	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/store/chromem"
	"github.com/whisperengine-ai/whisperengine-v2-sub016/memory/store/sqlite"
)

func main() {
	// Missing .env is fine; flags and real env still apply.
	_ = godotenv.Load()

	ctx := context.Background()
	if err := run(ctx, os.Args); err != nil {
		slog.Default().Error("command failed", "error", err)
		os.Exit(1)
	}
}

type config struct {
	configPath string
	dbPath     string
	dataPath   string
	embedder   string
	owner      string
	scope      string
	logLevel   string

	openaiBaseURL   string
	openaiAPIKeyEnv string
	openaiModel     string
	openaiDims      int64
}

func run(ctx context.Context, argv []string) error {
	var cfg config

	cmd := &cli.Command{
		Name:  "whisper-memory",
		Usage: "Semantic memory over local vector and record stores",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to YAML config file",
				Sources:     cli.EnvVars("WHISPER_MEMORY_CONFIG"),
				Destination: &cfg.configPath,
			},
			&cli.StringFlag{
				Name:        "db",
				Usage:       "Path to the sqlite record database",
				Value:       "whisper-memory.db",
				Sources:     cli.EnvVars("WHISPER_MEMORY_DB"),
				Destination: &cfg.dbPath,
			},
			&cli.StringFlag{
				Name:        "data",
				Usage:       "Directory for persistent vector data (empty keeps vectors in memory)",
				Sources:     cli.EnvVars("WHISPER_MEMORY_DATA"),
				Destination: &cfg.dataPath,
			},
			&cli.StringFlag{
				Name:        "embedder",
				Aliases:     []string{"e"},
				Usage:       "Embedding backend: mock or openai",
				Value:       "mock",
				Sources:     cli.EnvVars("WHISPER_MEMORY_EMBEDDER"),
				Destination: &cfg.embedder,
			},
			&cli.StringFlag{
				Name:        "owner",
				Aliases:     []string{"o"},
				Usage:       "Owner (user) ID scoping all operations",
				Value:       "default",
				Sources:     cli.EnvVars("WHISPER_MEMORY_OWNER"),
				Destination: &cfg.owner,
			},
			&cli.StringFlag{
				Name:        "scope",
				Aliases:     []string{"s"},
				Usage:       "Optional scope (bot or persona) ID",
				Sources:     cli.EnvVars("WHISPER_MEMORY_SCOPE"),
				Destination: &cfg.scope,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Log level: debug, info, warn, error",
				Value:       "info",
				Sources:     cli.EnvVars("WHISPER_MEMORY_LOG_LEVEL"),
				Destination: &cfg.logLevel,
			},
			&cli.StringFlag{
				Name:        "openai-base-url",
				Usage:       "OpenAI-compatible API base URL",
				Sources:     cli.EnvVars("OPENAI_BASE_URL"),
				Destination: &cfg.openaiBaseURL,
			},
			&cli.StringFlag{
				Name:        "openai-api-key-env",
				Usage:       "Environment variable holding the API key",
				Value:       "OPENAI_API_KEY",
				Destination: &cfg.openaiAPIKeyEnv,
			},
			&cli.StringFlag{
				Name:        "openai-model",
				Usage:       "Embedding model name",
				Sources:     cli.EnvVars("OPENAI_EMBEDDING_MODEL"),
				Destination: &cfg.openaiModel,
			},
			&cli.IntFlag{
				Name:        "openai-dimensions",
				Usage:       "Embedding vector size of the model",
				Value:       1536,
				Destination: &cfg.openaiDims,
			},
		},
		Commands: []*cli.Command{
			storeCommand(&cfg),
			queryCommand(&cfg),
			hydrateCommand(&cfg),
			deleteCommand(&cfg),
			configCommand(),
		},
	}

	return cmd.Run(ctx, argv)
}

func storeCommand(cfg *config) *cli.Command {
	var id string
	return &cli.Command{
		Name:      "store",
		Usage:     "Store a memory from argument text or stdin",
		ArgsUsage: "[text]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "id",
				Usage:       "Record ID (generated if empty)",
				Destination: &id,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if text == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return goerr.Wrap(err, "failed to read stdin")
				}
				text = strings.TrimSpace(string(data))
			}

			mgr, cleanup, err := newManager(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			recordID, err := mgr.Store(ctx, &memory.Record{
				ID:      id,
				OwnerID: cfg.owner,
				ScopeID: cfg.scope,
				Text:    text,
			})
			if err != nil {
				return err
			}
			fmt.Println(recordID)
			return nil
		},
	}
}

func queryCommand(cfg *config) *cli.Command {
	var limit int64
	return &cli.Command{
		Name:      "query",
		Usage:     "Retrieve memories ranked by relevance",
		ArgsUsage: "<query text>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "Maximum number of results",
				Value:       10,
				Destination: &limit,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			text := strings.Join(c.Args().Slice(), " ")
			if text == "" {
				return goerr.New("query text is required")
			}

			mgr, cleanup, err := newManager(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := mgr.Query(ctx, text, cfg.owner, cfg.scope, int(limit))
			if err != nil {
				return err
			}
			return printJSON(results)
		},
	}
}

func hydrateCommand(cfg *config) *cli.Command {
	return &cli.Command{
		Name:      "hydrate",
		Usage:     "Fetch the full record behind a retrieval result",
		ArgsUsage: "<record-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			recordID := c.Args().First()
			if recordID == "" {
				return goerr.New("record ID is required")
			}

			mgr, cleanup, err := newManager(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			rec, err := mgr.Hydrate(ctx, recordID)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
}

func deleteCommand(cfg *config) *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a record and all of its chunks",
		ArgsUsage: "<record-id>",
		Action: func(ctx context.Context, c *cli.Command) error {
			recordID := c.Args().First()
			if recordID == "" {
				return goerr.New("record ID is required")
			}

			mgr, cleanup, err := newManager(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			return mgr.Delete(ctx, cfg.owner, recordID)
		},
	}
}

// configTemplate documents every tunable with its default value.
const configTemplate = `# whisper-memory configuration
chunk_threshold: 1000
chunk_size: 500
chunk_overlap: 50
aspects: [content, affect, topic]
# aspect_weights:
#   content: 1.0
#   affect: 1.0
#   topic: 1.0
overfetch_factor: 3
query_limit: 10
embed_workers: 4
embed_timeout_secs: 30
search_timeout_secs: 15
upsert_timeout_secs: 30
max_retries: 3
retry_base_millis: 200
retry_max_millis: 5000
`

func configCommand() *cli.Command {
	var out string
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration helpers",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a config file populated with the defaults",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:        "output",
						Aliases:     []string{"o"},
						Usage:       "Destination path",
						Value:       "whisper-memory.yml",
						Destination: &out,
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if _, err := os.Stat(out); err == nil {
						return goerr.New("config file already exists", goerr.V("path", out))
					}
					if err := os.WriteFile(out, []byte(configTemplate), 0o644); err != nil {
						return goerr.Wrap(err, "failed to write config file", goerr.V("path", out))
					}
					fmt.Println(out)
					return nil
				},
			},
		},
	}
}

// newManager wires the configured embedders and stores into a manager. The
// returned cleanup closes everything the manager does not own yet when
// construction fails partway.
func newManager(cfg *config) (*memory.Manager, func(), error) {
	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	memCfg, err := memory.LoadConfig(cfg.configPath)
	if err != nil {
		return nil, nil, err
	}

	coord, err := newCoordinator(cfg, memCfg.Aspects)
	if err != nil {
		return nil, nil, err
	}

	vectors, err := chromem.New(chromem.Config{
		Aspects:     memCfg.Aspects,
		PersistPath: cfg.dataPath,
	})
	if err != nil {
		return nil, nil, err
	}

	records, err := sqlite.New(cfg.dbPath)
	if err != nil {
		_ = vectors.Close()
		return nil, nil, err
	}

	tiers, err := memory.NewTierManager(records, memory.DefaultTierConfig(),
		memory.WithTierLogger(logger))
	if err != nil {
		_ = vectors.Close()
		_ = records.Close()
		return nil, nil, err
	}

	mgr, err := memory.NewManager(memCfg, coord, vectors, records,
		memory.WithLogger(logger),
		memory.WithTierManager(tiers),
	)
	if err != nil {
		tiers.Stop()
		_ = vectors.Close()
		_ = records.Close()
		return nil, nil, err
	}

	return mgr, func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("failed to close memory manager", "error", err)
		}
	}, nil
}

func newCoordinator(cfg *config, aspects []string) (*memory.Coordinator, error) {
	backends := make(map[string]memory.Embedder, len(aspects))

	switch cfg.embedder {
	case "mock":
		for _, aspect := range aspects {
			backends[aspect] = mock.New(aspect)
		}
		return memory.NewCoordinator(backends, "mock-v1")

	case "openai":
		model := cfg.openaiModel
		if model == "" {
			model = "text-embedding-3-small"
		}
		// One shared backend serves every aspect. Aspect separation still
		// holds because each aspect queries its own collection.
		emb, err := openai.New(openai.Config{
			BaseURL:    cfg.openaiBaseURL,
			APIKeyEnv:  cfg.openaiAPIKeyEnv,
			Model:      model,
			Dimensions: int(cfg.openaiDims),
		})
		if err != nil {
			return nil, err
		}
		for _, aspect := range aspects {
			backends[aspect] = emb
		}
		return memory.NewCoordinator(backends, model)

	default:
		return nil, goerr.New("unknown embedder", goerr.V("embedder", cfg.embedder))
	}
}

func newLogger(level string) *slog.Logger {
	handler := clog.New(
		clog.WithWriter(os.Stderr),
		clog.WithLevel(parseLevel(level)),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
