// Package worktree manages git worktrees for job isolation.
//
// Each job that runs with isolation gets its own worktree under a managed
// base directory. Source repositories are cached as clones under the
// _repos subdirectory; local repository paths are used in place.
package worktree

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/codexd/internal/config"
	codexderrors "github.com/randalmurphal/codexd/internal/errors"
	"github.com/randalmurphal/codexd/internal/events"
	"github.com/randalmurphal/codexd/internal/gitx"
	"github.com/randalmurphal/codexd/internal/job"
)

// Manager creates, reuses, and removes worktrees under a managed base dir.
type Manager struct {
	baseDir string
	git     *gitx.Git
	bus     events.Publisher
	logger  *slog.Logger

	// cloneGroup collapses concurrent clones of the same repository.
	cloneGroup singleflight.Group

	// repoLocks serializes compound worktree operations per repository,
	// so two jobs pruning and re-adding at once cannot interfere.
	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(baseDir string, git *gitx.Git, bus events.Publisher, logger *slog.Logger) *Manager {
	if bus == nil {
		bus = events.NewNopPublisher()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		baseDir:   baseDir,
		git:       git,
		bus:       bus,
		logger:    logger,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

// BaseDir returns the managed worktree directory.
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// repoCacheDir returns the clone cache directory.
func (m *Manager) repoCacheDir() string {
	return filepath.Join(m.baseDir, config.RepoCacheDirName)
}

func (m *Manager) lockRepo(repoPath string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.repoLocks[repoPath]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[repoPath] = lock
	}
	return lock
}

// EnsurePath resolves a repo URL to a local repository path. Local paths
// that already contain a repository are returned as-is; remote URLs are
// cloned once into the cache and refreshed on later calls.
func (m *Manager) EnsurePath(ctx context.Context, repoURL string) (string, error) {
	if isLocalRepo(repoURL) {
		return repoURL, nil
	}

	cachePath := filepath.Join(m.repoCacheDir(), job.RepoCacheName(repoURL))

	v, err, _ := m.cloneGroup.Do(cachePath, func() (any, error) {
		if _, err := os.Stat(filepath.Join(cachePath, ".git")); err == nil {
			// Refresh is best effort; a stale cache still works offline.
			if _, err := m.git.Run(ctx, cachePath, "fetch", "--all", "--prune"); err != nil {
				m.logger.Warn("fetch failed for cached repo", "repo", repoURL, "error", err)
			}
			return cachePath, nil
		}

		if err := os.MkdirAll(m.repoCacheDir(), 0755); err != nil {
			return nil, codexderrors.ErrIOFailure("create repo cache dir", err)
		}
		if _, err := m.git.Run(ctx, m.repoCacheDir(), "clone", repoURL, cachePath); err != nil {
			return nil, codexderrors.ErrGitFailure("clone", err)
		}
		return cachePath, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// isLocalRepo reports whether repoURL is a path to an existing local
// repository rather than a remote URL.
func isLocalRepo(repoURL string) bool {
	if !strings.HasPrefix(repoURL, "/") && !strings.HasPrefix(repoURL, ".") {
		return false
	}
	info, err := os.Stat(filepath.Join(repoURL, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

// Acquire makes the worktree at path exist and track branch, forked from
// baseRef when the branch is new. An existing valid worktree is reused and
// refreshed rather than recreated, so resumed jobs keep their working state.
func (m *Manager) Acquire(ctx context.Context, repoPath, baseRef, branch, path string) error {
	lock := m.lockRepo(repoPath)
	lock.Lock()
	defer lock.Unlock()

	if m.isValidWorktree(path) {
		return m.refresh(ctx, path, branch)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return codexderrors.ErrIOFailure("create worktree base dir", err)
	}

	// Make sure the fork point exists locally before adding.
	if remote, ok := remoteOf(baseRef); ok {
		if _, err := m.git.Run(ctx, repoPath, "fetch", remote); err != nil {
			m.logger.Warn("fetch before worktree add failed", "repo", repoPath, "error", err)
		}
	}

	if err := m.tryAdd(ctx, repoPath, branch, path, baseRef); err != nil {
		return codexderrors.ErrGitFailure("worktree add", err)
	}

	m.bus.Publish(events.NewEvent(events.EventWorktreeChanged, "", events.WorktreeChange{
		Path:   path,
		Action: "created",
	}))
	return nil
}

// tryAdd attempts worktree creation, handling both the branch-exists and
// the stale-registration cases: new branch, then existing branch, then a
// prune and one retry of each.
func (m *Manager) tryAdd(ctx context.Context, repoPath, branch, path, baseRef string) error {
	if _, err := m.git.Run(ctx, repoPath, "worktree", "add", "-b", branch, path, baseRef); err == nil {
		return nil
	}
	if _, err := m.git.Run(ctx, repoPath, "worktree", "add", path, branch); err == nil {
		return nil
	}

	_, _ = m.git.Run(ctx, repoPath, "worktree", "prune")

	if _, err := m.git.Run(ctx, repoPath, "worktree", "add", "-b", branch, path, baseRef); err == nil {
		return nil
	}
	_, err := m.git.Run(ctx, repoPath, "worktree", "add", path, branch)
	return err
}

// refresh updates an existing worktree: checkout the branch and fast-forward
// from upstream when one is configured.
func (m *Manager) refresh(ctx context.Context, path, branch string) error {
	if _, err := m.git.Run(ctx, path, "fetch", "--all", "--prune"); err != nil {
		m.logger.Warn("fetch in existing worktree failed", "path", path, "error", err)
	}
	if _, err := m.git.Run(ctx, path, "checkout", branch); err != nil {
		return codexderrors.ErrGitFailure("checkout", err)
	}
	// Pull only when the branch has an upstream; a local-only branch is fine.
	if _, err := m.git.Run(ctx, path, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}"); err == nil {
		if _, err := m.git.Run(ctx, path, "pull", "--ff-only"); err != nil {
			m.logger.Warn("pull in existing worktree failed", "path", path, "error", err)
		}
	}
	return nil
}

// isValidWorktree reports whether path holds a linked git worktree: a .git
// file whose content points back into a repository's worktree metadata.
func (m *Manager) isValidWorktree(path string) bool {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:")
}

// Remove deletes the worktree at path and its git registration. A missing
// directory is a no-op; a directory that is not a worktree is removed from
// disk only.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	repoPath, ok := m.owningRepo(path)
	if ok {
		lock := m.lockRepo(repoPath)
		lock.Lock()
		defer lock.Unlock()

		if _, err := m.git.Run(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
			m.logger.Warn("git worktree remove failed, deleting directly", "path", path, "error", err)
			if err := os.RemoveAll(path); err != nil {
				return codexderrors.ErrIOFailure("remove worktree dir", err)
			}
			_, _ = m.git.Run(ctx, repoPath, "worktree", "prune")
		}
	} else {
		// Not a registered worktree (or the parent repo is gone).
		if err := os.RemoveAll(path); err != nil {
			return codexderrors.ErrIOFailure("remove worktree dir", err)
		}
	}

	m.bus.Publish(events.NewEvent(events.EventWorktreeChanged, "", events.WorktreeChange{
		Path:   path,
		Action: "removed",
	}))
	return nil
}

// owningRepo resolves the main repository of a linked worktree from its
// .git file ("gitdir: <repo>/.git/worktrees/<name>").
func (m *Manager) owningRepo(path string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	gitdir := strings.TrimSpace(strings.TrimPrefix(content, "gitdir:"))
	if gitdir == content {
		return "", false
	}

	// <repo>/.git/worktrees/<name> -> <repo>
	marker := string(filepath.Separator) + ".git" + string(filepath.Separator) + "worktrees" + string(filepath.Separator)
	idx := strings.Index(gitdir, marker)
	if idx < 0 {
		return "", false
	}
	repo := gitdir[:idx]
	if _, err := os.Stat(repo); err != nil {
		return "", false
	}
	return repo, true
}

// remoteOf extracts the remote name from a remote-tracking ref like
// "origin/main". A bare branch name has no remote to fetch.
func remoteOf(baseRef string) (string, bool) {
	name, _, found := strings.Cut(baseRef, "/")
	if !found || name == "" {
		return "", false
	}
	return name, true
}

// Info describes one directory under the managed base dir.
type Info struct {
	Path       string `json:"path"`
	Branch     string `json:"branch,omitempty"`
	Head       string `json:"head,omitempty"`
	Managed    bool   `json:"managed"`
	Valid      bool   `json:"valid"`
	RepoPath   string `json:"repo_path,omitempty"`
	Locked     bool   `json:"locked,omitempty"`
	LockReason string `json:"lock_reason,omitempty"`
	Prunable   bool   `json:"prunable,omitempty"`
}

// List enumerates the worktree directories under the managed base dir,
// enriched with branch, head, and lock info where the worktree is still
// valid. The repo cache directory is excluded.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, codexderrors.ErrIOFailure("read worktree base dir", err)
	}

	// Porcelain listings are fetched once per owning repo; a nil slice
	// marks a repo whose listing failed so we do not retry it.
	porcelain := make(map[string][]gitx.WorktreeListEntry)

	var out []Info
	for _, e := range entries {
		if !e.IsDir() || e.Name() == config.RepoCacheDirName {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		info := Info{Path: path, Managed: true}

		if m.isValidWorktree(path) {
			info.Valid = true
			if repo, ok := m.owningRepo(path); ok {
				info.RepoPath = repo
				if _, seen := porcelain[repo]; !seen {
					list, err := m.git.ListWorktrees(ctx, repo)
					if err != nil {
						m.logger.Warn("worktree list failed", "repo", repo, "error", err)
					}
					porcelain[repo] = list
				}
				for _, wt := range porcelain[repo] {
					if wt.Path != path {
						continue
					}
					info.Branch = wt.Branch
					info.Head = wt.Head
					info.Locked = wt.Locked
					info.LockReason = wt.LockReason
					info.Prunable = wt.Prunable
					break
				}
			}
			// rev-parse covers worktrees the porcelain listing missed.
			if info.Branch == "" {
				if branch, err := m.git.Run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
					info.Branch = branch
				}
			}
			if info.Head == "" {
				if head, err := m.git.Run(ctx, path, "rev-parse", "--short", "HEAD"); err == nil {
					info.Head = head
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Prune drops stale worktree registrations in every cached repository.
func (m *Manager) Prune(ctx context.Context) {
	entries, err := os.ReadDir(m.repoCacheDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		repo := filepath.Join(m.repoCacheDir(), e.Name())
		_, _ = m.git.Run(ctx, repo, "worktree", "prune")
	}
}

// PathFor computes the managed worktree path for a repo/branch pair.
func (m *Manager) PathFor(repoURL, branch string) string {
	return filepath.Join(m.baseDir, job.WorktreeDirName(repoURL, branch))
}

// RepoCaches lists the clone cache directories with their names.
func (m *Manager) RepoCaches() ([]string, error) {
	entries, err := os.ReadDir(m.repoCacheDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, codexderrors.ErrIOFailure("read repo cache dir", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, filepath.Join(m.repoCacheDir(), e.Name()))
		}
	}
	return out, nil
}
