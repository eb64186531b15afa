package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/codexd/internal/agent"
	"github.com/randalmurphal/codexd/internal/api"
	"github.com/randalmurphal/codexd/internal/config"
	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worker"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var workerType string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: API server plus worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger := newLogger()

			database, err := db.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			pub := events.NewMemoryPublisher()
			defer pub.Close()

			st := store.New(database, pub, logger)
			git := gitx.New(nil, cfg.GitPath)
			manager := worktree.NewManager(cfg.WorktreeBaseDir, git, pub, logger)

			runner := agent.NewRunner(agent.Options{
				CLIPath:         cfg.CodexCLIPath,
				Timeout:         cfg.AgentTimeout,
				Model:           cfg.Model,
				ReasoningEffort: cfg.ReasoningEffort,
			}, logger)

			pool := worker.NewPool(worker.Config{
				WorkerType:   workerType,
				Concurrency:  cfg.WorkerConcurrency,
				PollInterval: cfg.WorkerPollInterval,
			}, st, manager, runner, git, logger)

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Jobs left running by a previous crash go back to pending
			// before any worker claims.
			if n, err := st.RecoverOrphans(ctx); err != nil {
				return err
			} else if n > 0 {
				logger.Info("requeued orphaned jobs", "count", n)
			}
			manager.Prune(ctx)

			pool.Start(ctx)
			defer pool.Stop()

			server := api.New(api.Config{
				Addr:   cfg.Addr(),
				Logger: logger,
			}, st, manager, pub)
			return server.StartContext(ctx)
		},
	}

	cmd.Flags().StringVar(&workerType, "worker-type", "codex", "worker queue this instance serves")
	return cmd
}
