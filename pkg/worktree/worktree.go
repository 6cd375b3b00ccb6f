// Package worktree queries the state of a git working copy through the git
// command line. It is the only place in the codebase that shells out to git.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Commit is one entry of the repository log, newest first in query results.
type Commit struct {
	Hash        string    `json:"hash"`
	AuthorName  string    `json:"authorName"`
	AuthorEmail string    `json:"authorEmail"`
	CommittedAt time.Time `json:"committedAt"`
	Message     string    `json:"message"`
	Files       []string  `json:"files,omitempty"`
}

// Repo is a handle on one git working copy.
type Repo struct {
	dir string
}

// Open returns a Repo rooted at dir. The directory must exist; it does not
// have to contain commits yet.
func Open(dir string) (*Repo, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("worktree %s is not a directory", dir)
	}
	return &Repo{dir: dir}, nil
}

// Dir returns the worktree root.
func (r *Repo) Dir() string {
	return r.dir
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Head returns the current HEAD commit hash, or "" for a repository without
// commits.
func (r *Repo) Head(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "ambiguous argument") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Record separators for log parsing. The subject is the last field so commit
// messages never collide with the field separator.
const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
)

// RecentCommits returns up to n commits, newest first, with a best-effort
// changed-file list per commit.
func (r *Repo) RecentCommits(ctx context.Context, n int) ([]Commit, error) {
	format := "--pretty=format:" + recordSep + "%H" + fieldSep + "%an" + fieldSep + "%ae" + fieldSep + "%at" + fieldSep + "%s"
	out, err := r.git(ctx, "log", "-n", strconv.Itoa(n), format, "--name-only")
	if err != nil {
		if strings.Contains(err.Error(), "does not have any commits") ||
			strings.Contains(err.Error(), "unknown revision") {
			return nil, nil
		}
		return nil, err
	}
	return parseLog(out), nil
}

// CommitCount returns the total number of commits reachable from HEAD.
func (r *Repo) CommitCount(ctx context.Context) (int, error) {
	out, err := r.git(ctx, "rev-list", "--count", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "ambiguous argument") {
			return 0, nil
		}
		return 0, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("failed to parse rev-list count: %w", err)
	}
	return count, nil
}

// UncommittedFiles returns the paths with uncommitted changes (staged,
// unstaged, or untracked).
func (r *Repo) UncommittedFiles(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// DiffStat returns the added and removed line counts of the current
// uncommitted diff against HEAD.
func (r *Repo) DiffStat(ctx context.Context) (added, removed int, err error) {
	out, err := r.git(ctx, "diff", "HEAD", "--numstat")
	if err != nil {
		// No HEAD yet means no diff to report.
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "ambiguous argument") {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	added, removed = parseNumStat(out)
	return added, removed, nil
}

func parseLog(out string) []Commit {
	var commits []Commit
	for _, record := range strings.Split(out, recordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		lines := strings.Split(record, "\n")
		fields := strings.Split(lines[0], fieldSep)
		if len(fields) != 5 {
			continue
		}
		commit := Commit{
			Hash:        fields[0],
			AuthorName:  fields[1],
			AuthorEmail: fields[2],
			Message:     fields[4],
		}
		if epoch, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			commit.CommittedAt = time.Unix(epoch, 0).UTC()
		}
		for _, line := range lines[1:] {
			line = strings.TrimSpace(line)
			if line != "" {
				commit.Files = append(commit.Files, line)
			}
		}
		commits = append(commits, commit)
	}
	return commits
}

func parsePorcelain(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; the new path is the one
		// that exists in the worktree.
		if _, after, found := strings.Cut(path, " -> "); found {
			path = after
		}
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}

func parseNumStat(out string) (added, removed int) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files are reported as "-"; skip them.
		if a, err := strconv.Atoi(fields[0]); err == nil {
			added += a
		}
		if d, err := strconv.Atoi(fields[1]); err == nil {
			removed += d
		}
	}
	return added, removed
}
