package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fleetforge/conductor/internal/ids"
)

// GitWorktreeProvisioner implements WorktreeProvisioner by shelling out to
// git, following kdlbs-kandev's worktree Manager (gitAddWorktree,
// removeWorktreeDir): os/exec with a non-interactive environment, one
// worktree directory per session under BaseDir.
type GitWorktreeProvisioner struct {
	BaseDir string
}

func NewGitWorktreeProvisioner(baseDir string) (*GitWorktreeProvisioner, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base dir: %w", err)
	}
	return &GitWorktreeProvisioner{BaseDir: baseDir}, nil
}

func (p *GitWorktreeProvisioner) Create(ctx context.Context, repoPath, baseRef string, id ids.ID) (string, string, error) {
	branch := "conductor/" + id.String()
	path := filepath.Join(p.BaseDir, id.String())

	ref := baseRef
	if ref == "" {
		ref = "HEAD"
	}

	cmd := p.gitCmd(ctx, repoPath, "worktree", "add", "-b", branch, path, ref)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", "", fmt.Errorf("git worktree add: %w: %s", err, out)
	}
	return path, branch, nil
}

func (p *GitWorktreeProvisioner) Remove(ctx context.Context, repoPath, path, branch string) error {
	cmd := p.gitCmd(ctx, repoPath, "worktree", "remove", "--force", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, out)
	}
	if branch != "" {
		cmd = p.gitCmd(ctx, repoPath, "branch", "-D", branch)
		_, _ = cmd.CombinedOutput() // best-effort: the branch may have been merged away already
	}
	return nil
}

func (p *GitWorktreeProvisioner) gitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd
}
