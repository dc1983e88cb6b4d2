// Package gitops performs the trunk and worktree operations the daemon
// needs. Mutations shell out to git; cleanliness and ref reads go through
// go-git.
package gitops

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Client runs git operations. Paths under any of IgnorePrefixes (relative
// to the repository root) never make a repository dirty.
type Client struct {
	IgnorePrefixes []string
}

func NewClient(ignorePrefixes ...string) *Client {
	return &Client{IgnorePrefixes: ignorePrefixes}
}

func (c *Client) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{EnableDotGitCommonDir: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return repo, nil
}

// IsClean reports whether the working copy at dir has no staged, unstaged
// or untracked changes.
func (c *Client) IsClean(dir string) (bool, error) {
	repo, err := open(dir)
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree %s: %w", dir, err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("status %s: %w", dir, err)
	}
	for path, fs := range status {
		if c.ignored(path) {
			continue
		}
		if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
			return false, nil
		}
	}
	return true, nil
}

func (c *Client) ignored(path string) bool {
	for _, prefix := range c.IgnorePrefixes {
		prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// HeadSHA returns the commit HEAD points at in dir.
func (c *Client) HeadSHA(dir string) (string, error) {
	repo, err := open(dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD of %s: %w", dir, err)
	}
	return ref.Hash().String(), nil
}

// BranchSHA returns the commit a local branch points at.
func (c *Client) BranchSHA(repoDir, branch string) (string, error) {
	repo, err := open(repoDir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}

// EnsureWorktree creates a worktree for branch at path, branching from base
// when the branch does not exist yet. An existing worktree is left alone.
func (c *Client) EnsureWorktree(repoDir, path, branch, base string) error {
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	if _, err := c.run(repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		_, err = c.run(repoDir, "worktree", "add", path, branch)
		return err
	}
	_, err := c.run(repoDir, "worktree", "add", "-b", branch, path, base)
	return err
}

// ExcludePath adds pattern to the repository's info/exclude if missing.
func (c *Client) ExcludePath(repoDir, pattern string) error {
	out, err := c.run(repoDir, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repoDir, gitDir)
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	data, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read exclude file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return fmt.Errorf("create info dir: %w", err)
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		prefix = "\n"
	}
	if _, err := fmt.Fprintf(f, "%s%s\n", prefix, pattern); err != nil {
		return fmt.Errorf("write exclude file: %w", err)
	}
	return nil
}

// HasUncommittedChanges checks dir with git status, which honours the
// worktree's own ignore rules.
func (c *Client) HasUncommittedChanges(dir string) (bool, error) {
	out, err := c.run(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything in dir and commits it.
func (c *Client) CommitAll(dir, message string) error {
	if _, err := c.run(dir, "add", "-A"); err != nil {
		return err
	}
	_, err := c.run(dir, "commit", "--no-verify", "-m", message)
	return err
}

// Rebase rebases the branch checked out in dir onto onto. A conflict leaves
// the rebase in progress and returns the conflicted paths with a nil error.
func (c *Client) Rebase(dir, onto string) ([]string, error) {
	_, err := c.run(dir, "rebase", onto)
	if err == nil {
		return nil, nil
	}
	conflicts, cerr := c.ConflictedFiles(dir)
	if cerr != nil || len(conflicts) == 0 {
		return nil, err
	}
	return conflicts, nil
}

func (c *Client) ConflictedFiles(dir string) ([]string, error) {
	out, err := c.run(dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (c *Client) RebaseInProgress(dir string) (bool, error) {
	out, err := c.run(dir, "rev-parse", "--git-dir")
	if err != nil {
		return false, err
	}
	gitDir := strings.TrimSpace(out)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(dir, gitDir)
	}
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, name)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// CommitsAhead counts commits on HEAD in dir that base does not have.
func (c *Client) CommitsAhead(dir, base string) (int, error) {
	out, err := c.run(dir, "rev-list", "--count", base+"..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// Squash collapses every commit after base into one commit with message.
// changed is false when the net diff against base is empty, in which case
// HEAD is left at base.
func (c *Client) Squash(dir, base, message string) (sha string, changed bool, err error) {
	if _, err := c.run(dir, "reset", "--soft", base); err != nil {
		return "", false, err
	}
	if _, err := c.run(dir, "diff", "--cached", "--quiet"); err == nil {
		return "", false, nil
	}
	if _, err := c.run(dir, "commit", "--no-verify", "-m", message); err != nil {
		return "", false, err
	}
	out, err := c.run(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(out), true, nil
}

// FastForward merges branch into the branch checked out in repoDir,
// refusing anything but a fast-forward.
func (c *Client) FastForward(repoDir, branch string) error {
	_, err := c.run(repoDir, "merge", "--ff-only", branch)
	return err
}

// ResetWorktree discards everything in dir and points its branch at ref.
func (c *Client) ResetWorktree(dir, ref string) error {
	if inProgress, err := c.RebaseInProgress(dir); err == nil && inProgress {
		if _, err := c.run(dir, "rebase", "--abort"); err != nil {
			return err
		}
	}
	if _, err := c.run(dir, "reset", "--hard", ref); err != nil {
		return err
	}
	_, err := c.run(dir, "clean", "-fd")
	return err
}

// StatusShort returns `git status --short` for diagnostics.
func (c *Client) StatusShort(dir string) (string, error) {
	return c.run(dir, "status", "--short", "--branch")
}
