package cleanup

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pathStyle   = lipgloss.NewStyle().Faint(true)
)

// renderPlan prints what a run would delete.
func renderPlan(out io.Writer, plan *Plan, dryRun bool) {
	if plan.Empty() && len(plan.SkippedJobs) == 0 && len(plan.SkippedWorktrees) == 0 {
		fmt.Fprintln(out, "Nothing to clean.")
		return
	}

	verb := "Will delete"
	if dryRun {
		verb = "Would delete"
	}

	if len(plan.Jobs) > 0 {
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s %d job(s):", verb, len(plan.Jobs))))
		for _, j := range plan.Jobs {
			fmt.Fprintf(out, "  %s  %s\n", j.ID, pathStyle.Render(string(j.Status)))
		}
	}
	for _, s := range plan.SkippedJobs {
		fmt.Fprintf(out, "  %s %s  %s\n", warnStyle.Render("skip"), s.Path, pathStyle.Render(s.Reason))
	}

	if len(plan.Worktrees) > 0 {
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s %d worktree(s):", verb, len(plan.Worktrees))))
		for _, path := range plan.Worktrees {
			fmt.Fprintf(out, "  %s\n", pathStyle.Render(path))
		}
	}
	for _, s := range plan.SkippedWorktrees {
		fmt.Fprintf(out, "  %s %s  %s\n", warnStyle.Render("skip"), s.Path, pathStyle.Render(s.Reason))
	}

	if len(plan.RepoCaches) > 0 {
		fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s %d repo cache(s):", verb, len(plan.RepoCaches))))
		for _, path := range plan.RepoCaches {
			fmt.Fprintf(out, "  %s\n", pathStyle.Render(path))
		}
	}
}

// renderReport prints what a run actually did.
func renderReport(out io.Writer, report *Report) {
	total := len(report.DeletedJobs) + len(report.RemovedWorktrees) + len(report.RemovedCaches)
	fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("Cleaned %d item(s).", total)))

	for _, f := range report.Failed {
		fmt.Fprintf(out, "  %s %s  %s\n", failStyle.Render("failed"), f.Path, pathStyle.Render(f.Reason))
	}
}
