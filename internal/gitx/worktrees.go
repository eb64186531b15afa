package gitx

import (
	"context"
	"strings"
)

// WorktreeListEntry is one worktree from `git worktree list --porcelain`.
type WorktreeListEntry struct {
	Path       string
	Head       string
	Branch     string
	Bare       bool
	Detached   bool
	Locked     bool
	LockReason string
	Prunable   bool
}

// ListWorktrees returns every worktree registered in the repository at
// repoPath, including the main worktree.
func (g *Git) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeListEntry, error) {
	out, err := g.Run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeList(out), nil
}

// ParseWorktreeList parses porcelain worktree-list output. Entries are
// blank-line separated; each attribute is one line, with "locked" and
// "prunable" optionally carrying a reason after a space.
func ParseWorktreeList(out string) []WorktreeListEntry {
	var entries []WorktreeListEntry
	var cur *WorktreeListEntry

	flush := func() {
		if cur != nil && cur.Path != "" {
			entries = append(entries, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		if cur == nil {
			cur = &WorktreeListEntry{}
		}
		key, rest, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			cur.Path = rest
		case "HEAD":
			cur.Head = rest
		case "branch":
			cur.Branch = strings.TrimPrefix(rest, "refs/heads/")
		case "bare":
			cur.Bare = true
		case "detached":
			cur.Detached = true
		case "locked":
			cur.Locked = true
			cur.LockReason = rest
		case "prunable":
			cur.Prunable = true
		}
	}
	flush()
	return entries
}
