package worktree

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// runGit executes one git command in dir and returns its combined
// output. Failures wrap ErrGitCommandFailed with the output, which is
// the structured-failure surface merge callers rely on.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))
	if err != nil {
		if ctx.Err() != nil {
			// Keep the partial output: callers inspect it for success
			// indicators after a timeout.
			return out, fmt.Errorf("%w: git %s timed out: %s", ErrGitCommandFailed, args[0], out)
		}
		return out, fmt.Errorf("%w: git %s: %s", ErrGitCommandFailed, strings.Join(args, " "), out)
	}
	return out, nil
}

// isGitRepo reports whether dir is inside a git working tree.
func isGitRepo(ctx context.Context, dir string) bool {
	out, err := runGit(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// currentBranch returns the branch checked out in dir. The base branch
// for every worktree operation is resolved this way per call, never
// cached: the user may switch branches in the primary copy at any time.
func currentBranch(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if out == "HEAD" {
		return "", fmt.Errorf("%w: detached HEAD in %s", ErrGitCommandFailed, dir)
	}
	return out, nil
}

func branchExists(ctx context.Context, dir, branch string) bool {
	_, err := runGit(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// isAncestor reports whether branch is an ancestor of ref in dir.
func isAncestor(ctx context.Context, dir, branch, ref string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", branch, ref)
	cmd.Dir = dir
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("%w: merge-base --is-ancestor: %v", ErrGitCommandFailed, err)
}

// commitsAhead counts commits on branch that base does not have.
func commitsAhead(ctx context.Context, dir, base, branch string) (int, error) {
	out, err := runGit(ctx, dir, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

// lastCommitTime returns the committer time of the branch tip.
func lastCommitTime(ctx context.Context, dir, ref string) (time.Time, error) {
	out, err := runGit(ctx, dir, "log", "-1", "--format=%ct", ref)
	if err != nil {
		return time.Time{}, err
	}
	epoch, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return time.Unix(epoch, 0), nil
}

// diffShortstat parses "N files changed, N insertions(+), N deletions(-)".
func diffShortstat(ctx context.Context, dir string, args ...string) (files, ins, del int, err error) {
	out, err := runGit(ctx, dir, append([]string{"diff", "--shortstat"}, args...)...)
	if err != nil {
		return 0, 0, 0, err
	}
	return parseShortstat(out), parseShortstatField(out, "insertion"), parseShortstatField(out, "deletion"), nil
}

func parseShortstat(out string) int {
	for _, f := range strings.Split(out, ",") {
		f = strings.TrimSpace(f)
		if strings.Contains(f, "file") {
			n, _ := strconv.Atoi(strings.Fields(f)[0])
			return n
		}
	}
	return 0
}

func parseShortstatField(out, field string) int {
	for _, f := range strings.Split(out, ",") {
		f = strings.TrimSpace(f)
		if strings.Contains(f, field) {
			n, _ := strconv.Atoi(strings.Fields(f)[0])
			return n
		}
	}
	return 0
}

// diffNumstat parses per-file insertion/deletion counts between two refs.
func diffNumstat(ctx context.Context, dir, from, to string) (map[string][2]int, error) {
	out, err := runGit(ctx, dir, "diff", "--numstat", from+"..."+to)
	if err != nil {
		return nil, err
	}
	counts := make(map[string][2]int)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files report "-" for both counts.
		ins, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		path := fields[len(fields)-1]
		counts[path] = [2]int{ins, del}
	}
	return counts, nil
}

// diffNameStatus parses per-file change classification between two refs.
func diffNameStatus(ctx context.Context, dir, from, to string) ([]DiffEntry, error) {
	out, err := runGit(ctx, dir, "diff", "--name-status", "-M", from+"..."+to)
	if err != nil {
		return nil, err
	}
	var entries []DiffEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		e := DiffEntry{Path: fields[1]}
		switch fields[0][0] {
		case 'A':
			e.Status = FileAdded
		case 'D':
			e.Status = FileDeleted
		case 'R':
			e.Status = FileRenamed
			if len(fields) >= 3 {
				e.OldPath = fields[1]
				e.Path = fields[2]
			}
		default:
			e.Status = FileModified
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// uncommittedFiles lists paths with uncommitted changes in dir.
func uncommittedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files, nil
}

// stagedFiles lists paths currently staged in dir's index.
func stagedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := runGit(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// mergeSuccessIndicators are fragments of git output that mean the merge
// itself went through even if the process was cut off afterwards.
var mergeSuccessIndicators = []string{
	"Automatic merge went well",
	"Squash commit -- not updating HEAD",
	"Fast-forward",
	"Merge made by",
}

func outputIndicatesMergeSuccess(out string) bool {
	for _, ind := range mergeSuccessIndicators {
		if strings.Contains(out, ind) {
			return true
		}
	}
	return false
}

// outputIndicatesConflict detects a conflicted merge from git output.
func outputIndicatesConflict(out string) bool {
	return strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed")
}
