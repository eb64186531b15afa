package cli

import (
	"github.com/spf13/cobra"

	"github.com/randalmurphal/codexd/internal/config"
	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/mcptools"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// newMCPCmd creates the mcp command.
func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the job tools over MCP stdio",
		Long: `Run an MCP server on stdin/stdout exposing create_job, get_job,
list_jobs, job_logs, continue_job, and cancel_job. Point an MCP client
at this command to let agents queue and steer jobs.`,
		Args: cobra.NoArgs,
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

			st := store.New(database, nil, logger)
			manager := worktree.NewManager(cfg.WorktreeBaseDir, gitx.New(nil, cfg.GitPath), nil, logger)

			return mcptools.New(st, manager, logger).ServeStdio(Version)
		},
	}
}
