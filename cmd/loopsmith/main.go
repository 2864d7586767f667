package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lexcodex/loopsmith/backend"
	"github.com/lexcodex/loopsmith/cmd/internal/appcfg"
	"github.com/lexcodex/loopsmith/executor"
	"github.com/lexcodex/loopsmith/loop"
	"github.com/lexcodex/loopsmith/persistence"
	"github.com/lexcodex/loopsmith/plugindocs"
	"github.com/lexcodex/loopsmith/server"
	"github.com/lexcodex/loopsmith/tui"
)

var (
	flagConfig   string
	flagEndpoint string
	flagModel    string
	flagAPIKey   string
	flagDebug    bool
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loopsmith",
		Short: "Multi-step task loop for the WordPress assistant",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", envOrDefault("LOOPSMITH_CONFIG", "loopsmith.yaml"), "Path to the YAML config file")
	root.PersistentFlags().StringVar(&flagEndpoint, "proxy", envOrDefault("LOOPSMITH_PROXY", ""), "Licensing proxy endpoint (overrides config)")
	root.PersistentFlags().StringVar(&flagModel, "model", envOrDefault("LOOPSMITH_MODEL", ""), "Model name (overrides config)")
	root.PersistentFlags().StringVar(&flagAPIKey, "api-key", envOrDefault("LOOPSMITH_API_KEY", ""), "Proxy API key (overrides config)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Verbose loop logging")

	root.AddCommand(newRunCmd(), newServeCmd(), newHistoryCmd())
	return root
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadConfig applies flag overrides on top of the config file.
func loadConfig() (*appcfg.Config, error) {
	cfg, err := appcfg.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagEndpoint != "" {
		cfg.Proxy.Endpoint = flagEndpoint
	}
	if flagModel != "" {
		cfg.Proxy.Model = flagModel
	}
	if flagAPIKey != "" {
		cfg.Proxy.APIKey = flagAPIKey
	}
	if flagDebug {
		cfg.Loop.Debug = true
	}
	return cfg, nil
}

type collaborators struct {
	backend   loop.Backend
	executor  loop.Executor
	docs      loop.DocResolver
	store     *persistence.SQLiteSessionStore
	telemetry loop.Telemetry
	loopCfg   loop.Config
}

func buildCollaborators(cfg *appcfg.Config) (*collaborators, error) {
	client := backend.NewClient(cfg.Proxy.Endpoint, cfg.Proxy.Model, cfg.Proxy.APIKey)
	client.Debug = cfg.Loop.Debug

	var telemetry loop.Telemetry
	if cfg.LogFile != "" {
		fileTel, err := loop.NewJSONFileTelemetry(cfg.LogFile)
		if err != nil {
			return nil, err
		}
		telemetry = fileTel
	}

	var be loop.Backend = client
	if telemetry != nil {
		be = &backend.InstrumentedBackend{Inner: client, Telemetry: telemetry, Debug: cfg.Loop.Debug}
	}

	exec := executor.NewCommandExecutor(cfg.Executor.Command, cfg.Executor.Workdir)
	exec.Timeout = cfg.ExecutorTimeout()

	var docs loop.DocResolver
	if cfg.DocsDir != "" {
		resolver, err := plugindocs.NewDirResolver(cfg.DocsDir)
		if err != nil {
			return nil, err
		}
		docs = resolver
	}

	var store *persistence.SQLiteSessionStore
	if cfg.Database != "" {
		var err error
		store, err = persistence.NewSQLiteSessionStore(cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	policy := loop.RoadmapConfirm
	if cfg.Loop.AutoRoadmap {
		policy = loop.RoadmapAuto
	}
	return &collaborators{
		backend:   be,
		executor:  exec,
		docs:      docs,
		store:     store,
		telemetry: telemetry,
		loopCfg: loop.Config{
			MaxIterations:  cfg.Loop.MaxIterations,
			MaxRetries:     cfg.Loop.MaxRetries,
			PreserveRecent: cfg.Loop.PreserveRecent,
			RoadmapPolicy:  policy,
			DebugLoop:      cfg.Loop.Debug,
		},
	}, nil
}

func newRunCmd() *cobra.Command {
	var message string
	var sessionID string
	var contextPath string
	var plain bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task through the loop and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return errors.New("message is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			deps, err := buildCollaborators(cfg)
			if err != nil {
				return err
			}
			if deps.store != nil {
				defer deps.store.Close()
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			baseCtx := map[string]interface{}{}
			if contextPath != "" {
				data, err := os.ReadFile(contextPath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &baseCtx); err != nil {
					return err
				}
			}

			var history []loop.Turn
			if deps.store != nil {
				history, err = deps.store.ReadHistory(cmd.Context(), sessionID, 40)
				if err != nil {
					return err
				}
				if _, err := deps.store.AppendMessage(cmd.Context(), sessionID, "user", message); err != nil {
					return err
				}
			}

			runLoop := func(sink loop.ProgressSink) *loop.Outcome {
				orch := &loop.Orchestrator{
					Backend:   deps.backend,
					Executor:  deps.executor,
					Docs:      deps.docs,
					Config:    &deps.loopCfg,
					Sink:      sink,
					Telemetry: deps.telemetry,
					SessionID: sessionID,
				}
				return orch.Run(cmd.Context(), message, baseCtx, history, nil)
			}

			var outcome *loop.Outcome
			if plain {
				outcome = runLoop(nil)
			} else {
				outcome, err = tui.Run(cmd.Context(), message, runLoop)
				if err != nil {
					return err
				}
			}
			if outcome == nil {
				return errors.New("loop produced no outcome")
			}
			if deps.store != nil {
				if err := deps.store.RecordOutcome(cmd.Context(), sessionID, outcome); err != nil {
					return err
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"session":    sessionID,
				"type":       outcome.Message.Type,
				"message":    outcome.Message.Message,
				"data":       outcome.Message.Data,
				"iterations": outcome.Iterations,
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Task for the assistant (required)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to continue (default: new session)")
	cmd.Flags().StringVar(&contextPath, "context", "", "Optional JSON file with base context")
	cmd.Flags().BoolVar(&plain, "plain", false, "Disable the progress display")
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			deps, err := buildCollaborators(cfg)
			if err != nil {
				return err
			}
			if deps.store != nil {
				defer deps.store.Close()
			}
			api := &server.APIServer{
				Backend:   deps.backend,
				Executor:  deps.executor,
				Docs:      deps.docs,
				Store:     deps.store,
				Telemetry: deps.telemetry,
				Config:    deps.loopCfg,
				Logger:    log.New(os.Stdout, "api ", log.LstdFlags),
			}
			cmd.Printf("Starting API server on %s using model %s\n", addr, cfg.Proxy.Model)
			return api.ServeContext(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", envOrDefault("LOOPSMITH_ADDR", ":8080"), "address for HTTP API server")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{Use: "history", Short: "Inspect stored sessions"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database == "" {
				return errors.New("no database configured")
			}
			store, err := persistence.NewSQLiteSessionStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			for _, info := range sessions {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d messages\t%s\n", info.ID, info.MessageCount, info.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show a session's turns by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("session id required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database == "" {
				return errors.New("no database configured")
			}
			store, err := persistence.NewSQLiteSessionStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			turns, err := store.ReadHistory(cmd.Context(), args[0], 0)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(turns)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("session id required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Database == "" {
				return errors.New("no database configured")
			}
			store, err := persistence.NewSQLiteSessionStore(cfg.Database)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.ClearSession(cmd.Context(), args[0])
		},
	}

	historyCmd.AddCommand(listCmd, showCmd, clearCmd)
	return historyCmd
}
