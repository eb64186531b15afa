package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/codexd/internal/cleanup"
	"github.com/randalmurphal/codexd/internal/config"
	"github.com/randalmurphal/codexd/internal/db"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/job"
	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// newCleanupCmd creates the cleanup command.
func newCleanupCmd() *cobra.Command {
	var (
		dryRun     bool
		yes        bool
		jobs       bool
		worktrees  bool
		repoCaches bool
		statuses   []string
		maxAgeDays int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Reclaim finished jobs, orphaned worktrees, and stale repo caches",
		Long: `Delete terminal jobs, worktrees no job references, and clone caches
whose repository no job uses anymore. Running and awaiting jobs, and
everything they reference, are never touched.

Examples:
  codexd cleanup --dry-run            Show everything a full run would reclaim
  codexd cleanup --jobs --max-age 30  Delete terminal jobs older than 30 days
  codexd cleanup --worktrees --yes    Remove orphaned worktrees without prompting`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cleanup.Options{
				Jobs:       jobs,
				Worktrees:  worktrees,
				RepoCaches: repoCaches,
				MaxAgeDays: maxAgeDays,
				DryRun:     dryRun,
				AssumeYes:  yes,
				Out:        cmd.OutOrStdout(),
			}
			// No selector means everything.
			if !jobs && !worktrees && !repoCaches {
				opts.Jobs, opts.Worktrees, opts.RepoCaches = true, true, true
			}
			for _, v := range statuses {
				status, ok := job.ParseStatus(v)
				if !ok {
					return fmt.Errorf("invalid status %q", v)
				}
				opts.Statuses = append(opts.Statuses, status)
			}

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

			_, err = cleanup.New(st, manager, logger).Run(cmd.Context(), opts)
			return err
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be reclaimed without deleting")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().BoolVar(&jobs, "jobs", false, "clean terminal jobs")
	cmd.Flags().BoolVar(&worktrees, "worktrees", false, "clean orphaned worktrees")
	cmd.Flags().BoolVar(&repoCaches, "repo-caches", false, "clean stale clone caches")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "job statuses to clean (default: done, failed, cancelled)")
	cmd.Flags().IntVar(&maxAgeDays, "max-age", 0, "only clean jobs older than this many days")
	return cmd
}
