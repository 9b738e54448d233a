package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agentbridge/internal/config"
	"agentbridge/internal/logging"
)

// Workspace is one disposable checkout: a dedicated branch in its own
// directory, removed after the session ends.
type Workspace struct {
	Path   string
	Branch string
}

// WorkspaceManager provisions git worktrees under a common root, hanging
// off one existing repository clone.
type WorkspaceManager struct {
	root           string
	repo           string
	installCmd     []string
	gitTimeout     time.Duration
	installTimeout time.Duration
}

// NewWorkspaceManager builds a manager from the dispatch configuration.
func NewWorkspaceManager(cfg config.DispatchConfig) *WorkspaceManager {
	return &WorkspaceManager{
		root:           cfg.WorkspaceRoot,
		repo:           cfg.RepoPath,
		installCmd:     cfg.InstallCommand,
		gitTimeout:     2 * time.Minute,
		installTimeout: 10 * time.Minute,
	}
}

// Provision creates branch dispatch/<slug>-<nanos> checked out in a fresh
// directory, then runs the dependency install inside it. On any failure the
// partial workspace is removed before the error returns.
func (m *WorkspaceManager) Provision(ctx context.Context, slug string) (*Workspace, error) {
	// 1. Unique branch/directory pair.
	name := fmt.Sprintf("%s-%d", slug, time.Now().UnixNano())
	ws := &Workspace{
		Branch: "dispatch/" + name,
		Path:   filepath.Join(m.root, name),
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	// 2. Worktree and branch in one step.
	if out, err := m.git(ctx, "worktree", "add", "-b", ws.Branch, ws.Path); err != nil {
		return nil, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(out))
	}
	logging.Workspace("provisioned %s on branch %s", ws.Path, ws.Branch)

	// 3. Dependencies.
	if len(m.installCmd) > 0 {
		if out, err := m.install(ctx, ws.Path); err != nil {
			// Removal runs under a fresh context: the install failure may be
			// the caller's deadline expiring.
			if rmErr := m.Remove(context.Background(), ws); rmErr != nil {
				logging.Get(logging.CategoryWorkspace).Error("cleanup after failed install: %v", rmErr)
			}
			return nil, fmt.Errorf("install command %v: %w: %s", m.installCmd, err, tail(out, 2000))
		}
		logging.WorkspaceDebug("dependencies installed in %s", ws.Path)
	}

	return ws, nil
}

// Remove tears a workspace down. The normal path is worktree remove; when
// git refuses (locked files, dirty state), fall back to removing the
// directory outright, then prune so the repo forgets the stale worktree
// record. Every external command is deadline-bounded, so removal can never
// wedge the orchestrator.
func (m *WorkspaceManager) Remove(ctx context.Context, ws *Workspace) error {
	if out, err := m.git(ctx, "worktree", "remove", "--force", ws.Path); err != nil {
		logging.Workspace("git worktree remove failed for %s (%v: %s); removing directly", ws.Path, err, strings.TrimSpace(out))
		if err := os.RemoveAll(ws.Path); err != nil {
			return fmt.Errorf("removing workspace %s: %w", ws.Path, err)
		}
	}
	if out, err := m.git(ctx, "worktree", "prune"); err != nil {
		return fmt.Errorf("git worktree prune: %w: %s", err, strings.TrimSpace(out))
	}
	logging.Workspace("removed %s", ws.Path)
	return nil
}

func (m *WorkspaceManager) git(ctx context.Context, args ...string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, m.gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(gctx, "git", append([]string{"-C", m.repo}, args...)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

func (m *WorkspaceManager) install(ctx context.Context, dir string) (string, error) {
	ictx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()

	cmd := exec.CommandContext(ictx, m.installCmd[0], m.installCmd[1:]...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// tail keeps error output readable when an install dumps megabytes.
func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a work item title into a branch-safe fragment.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.Trim(s[:40], "-")
	}
	if s == "" {
		return "work-item"
	}
	return s
}
