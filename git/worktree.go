// Package git provides git worktree isolation for the agent orchestrator:
// one dedicated working copy per agent run, with guaranteed cleanup and a
// branch name derived from the card identifier.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"awc/awcerr"
)

// WorktreeManager handles git worktree operations against one source repo.
type WorktreeManager struct {
	repoRoot    string // Main repository root
	worktreeDir string // Directory for worktrees (e.g., .worktrees)
	mainBranch  string // Integration branch name (e.g., main)
	bareRepo    string // Optional bare repo path for local-only workflow
}

// NewWorktreeManager creates a new worktree manager.
func NewWorktreeManager(repoRoot, worktreeDir, mainBranch string) *WorktreeManager {
	return &WorktreeManager{
		repoRoot:    repoRoot,
		worktreeDir: worktreeDir,
		mainBranch:  mainBranch,
	}
}

// SetBareRepo configures a local bare repo for worktree operations, enabling
// a local-only workflow without remote access.
func (m *WorktreeManager) SetBareRepo(bareRepoPath string) {
	m.bareRepo = bareRepoPath
}

// WorktreeInfo describes one worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	Commit string
	Bare   bool
}

// CreateWorktree creates a new isolated workspace for a card, returning its
// absolute path. Creation is expected to complete in well under a second for
// a normal-sized repo, satisfying the "cheap creation" requirement.
func (m *WorktreeManager) CreateWorktree(ctx context.Context, cardID, branchName string) (string, error) {
	safeName := sanitizeBranchName(branchName)

	sourceRepo := m.repoRoot
	if m.bareRepo != "" {
		sourceRepo = m.bareRepo
	}

	worktreePath := filepath.Join(m.repoRoot, m.worktreeDir, safeName)
	absWorktreePath, err := filepath.Abs(worktreePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	worktreePath = absWorktreePath

	if err := os.MkdirAll(filepath.Dir(worktreePath), 0750); err != nil {
		return "", fmt.Errorf("failed to create worktree directory: %w", err)
	}

	if _, err := os.Stat(worktreePath); err == nil {
		return worktreePath, nil
	}

	if m.bareRepo == "" {
		if err := m.runGit(ctx, m.repoRoot, "fetch", "origin", m.mainBranch); err != nil {
			return "", fmt.Errorf("failed to fetch origin: %w", err)
		}
	}

	branchExists := m.branchExistsIn(ctx, sourceRepo, branchName)

	var args []string
	if branchExists {
		args = []string{"worktree", "add", worktreePath, branchName}
	} else if m.bareRepo != "" {
		args = []string{"worktree", "add", "-b", branchName, worktreePath, m.mainBranch}
	} else {
		args = []string{"worktree", "add", "-b", branchName, worktreePath, "origin/" + m.mainBranch}
	}

	if err := m.runGit(ctx, sourceRepo, args...); err != nil {
		return "", fmt.Errorf("failed to create worktree: %w", err)
	}

	return worktreePath, nil
}

// RemoveWorktree removes a worktree and, optionally, its branch. Safe to call
// from a deferred cleanup on every orchestrator return path.
func (m *WorktreeManager) RemoveWorktree(ctx context.Context, worktreePath string, removeBranch bool) error {
	var branchName string
	if removeBranch {
		if info, err := m.GetWorktreeInfo(ctx, worktreePath); err == nil {
			branchName = info.Branch
		}
	}

	if err := m.runGit(ctx, m.repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		if rmErr := os.RemoveAll(worktreePath); rmErr != nil {
			return fmt.Errorf("failed to remove worktree directory: %w", rmErr)
		}
		_ = m.runGit(ctx, m.repoRoot, "worktree", "prune")
	}

	if removeBranch && branchName != "" && branchName != m.mainBranch {
		_ = m.runGit(ctx, m.repoRoot, "branch", "-D", branchName)
	}

	return nil
}

// ListWorktrees returns all worktrees registered against the source repo.
func (m *WorktreeManager) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := m.runGitOutput(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []WorktreeInfo
	var current *WorktreeInfo

	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD ") && current != nil:
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "bare" && current != nil:
			current.Bare = true
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}

	return worktrees, nil
}

// GetWorktreeInfo returns info about a specific worktree path.
func (m *WorktreeManager) GetWorktreeInfo(ctx context.Context, worktreePath string) (*WorktreeInfo, error) {
	worktrees, err := m.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	absPath, err := filepath.Abs(worktreePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	for _, wt := range worktrees {
		if wtAbs, err := filepath.Abs(wt.Path); err == nil && wtAbs == absPath {
			return &wt, nil
		}
	}

	return nil, fmt.Errorf("worktree not found: %s", worktreePath)
}

// SquashMerge squash-merges branchName into the integration branch in the
// main repo checkout.
func (m *WorktreeManager) SquashMerge(ctx context.Context, branchName, commitMessage string) error {
	if err := m.runGit(ctx, m.repoRoot, "checkout", m.mainBranch); err != nil {
		return fmt.Errorf("failed to checkout %s: %w", m.mainBranch, err)
	}
	if m.bareRepo == "" {
		if err := m.runGit(ctx, m.repoRoot, "pull", "origin", m.mainBranch); err != nil {
			return fmt.Errorf("failed to pull %s: %w", m.mainBranch, err)
		}
	}
	if err := m.runGit(ctx, m.repoRoot, "merge", "--squash", branchName); err != nil {
		return fmt.Errorf("failed to squash merge: %w", err)
	}
	if err := m.runGit(ctx, m.repoRoot, "commit", "-m", commitMessage); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// RevertLastCommit reverts the integration branch to its state before the
// most recent commit, used by the Synthesizer when Gate 2 fails after merge.
func (m *WorktreeManager) RevertLastCommit(ctx context.Context) error {
	return m.runGit(ctx, m.repoRoot, "reset", "--hard", "HEAD~1")
}

// PushMain pushes the integration branch to origin.
func (m *WorktreeManager) PushMain(ctx context.Context) error {
	if m.bareRepo != "" {
		return nil
	}
	return m.runGit(ctx, m.repoRoot, "push", "origin", m.mainBranch)
}

// Commit stages and commits all changes in a worktree. A no-op if there is
// nothing to commit.
func (m *WorktreeManager) Commit(ctx context.Context, worktreePath, message string) error {
	if err := m.runGit(ctx, worktreePath, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	output, err := m.runGitOutput(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("failed to check status: %w", err)
	}
	if len(bytes.TrimSpace(output)) == 0 {
		return nil
	}

	if err := m.runGit(ctx, worktreePath, "commit", "-m", message); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// HasUncommittedChanges reports whether a worktree has a dirty tree. Used as
// part of the orchestrator's "agent emitted at least one actionable change"
// success criterion.
func (m *WorktreeManager) HasUncommittedChanges(ctx context.Context, worktreePath string) (bool, error) {
	output, err := m.runGitOutput(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(output)) > 0, nil
}

// GetLatestCommit returns the worktree's current HEAD commit hash.
func (m *WorktreeManager) GetLatestCommit(ctx context.Context, worktreePath string) (string, error) {
	output, err := m.runGitOutput(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}

// CleanupOrphanedWorktrees prunes worktree metadata for directories that no
// longer exist on disk.
func (m *WorktreeManager) CleanupOrphanedWorktrees(ctx context.Context) error {
	return m.runGit(ctx, m.repoRoot, "worktree", "prune")
}

func (m *WorktreeManager) branchExistsIn(ctx context.Context, repoPath, branchName string) bool {
	if err := m.runGit(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName); err == nil {
		return true
	}
	if m.bareRepo == "" {
		return m.runGit(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/remotes/origin/"+branchName) == nil
	}
	return false
}

func (m *WorktreeManager) runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func (m *WorktreeManager) runGitOutput(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// sanitizeBranchName converts a branch name to a safe worktree directory name.
func sanitizeBranchName(branch string) string {
	branch = strings.TrimPrefix(branch, "feat/")
	branch = strings.TrimPrefix(branch, "fix/")
	branch = strings.TrimPrefix(branch, "chore/")

	re := regexp.MustCompile(`[^a-zA-Z0-9-_]`)
	return re.ReplaceAllString(branch, "-")
}

// GenerateBranchName derives a branch name from a card identifier and title,
// satisfying "a distinct branch name derived from the card identifier".
func GenerateBranchName(prefix, cardID, title string) string {
	re := regexp.MustCompile(`[^a-zA-Z0-9\s-]`)
	title = re.ReplaceAllString(title, "")
	title = strings.ToLower(title)
	title = strings.ReplaceAll(title, " ", "-")

	if len(title) > 40 {
		title = title[:40]
	}
	title = strings.TrimRight(title, "-")

	return fmt.Sprintf("%s%s-%s", prefix, cardID, title)
}

// ValidateWorkspaceRelativePath rejects any path an agent process reports
// having written to that is absolute or escapes root via "..". Agents may not
// read or write outside their workspace root.
func ValidateWorkspaceRelativePath(root, candidate string) error {
	if filepath.IsAbs(candidate) {
		return awcerr.New(awcerr.Validation, "path must be workspace-relative: "+candidate)
	}
	joined := filepath.Join(root, candidate)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return awcerr.New(awcerr.Validation, "path escapes workspace root: "+candidate)
	}
	return nil
}
