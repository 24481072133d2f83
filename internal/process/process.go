// Package process provides process-tree and open-file inspection used to
// tie conversation files back to the pane that owns them.
package process

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Descendants returns the transitive children of pid, using POSIX ps so it
// works on both Linux and macOS. The result excludes pid itself.
func Descendants(pid int) ([]int, error) {
	cmd := exec.Command("ps", "-eo", "pid=,ppid=")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ps failed: %w: %s", err, stderr.String())
	}

	return descendantsFrom(parseProcessTable(stdout.String()), pid), nil
}

// parseProcessTable parses "PID PPID" rows into a parent -> children map.
func parseProcessTable(out string) map[int][]int {
	children := make(map[int][]int)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}

// descendantsFrom walks the child map breadth-first from root.
func descendantsFrom(children map[int][]int, root int) []int {
	var out []int
	queue := []int{root}
	seen := map[int]bool{root: true}

	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// OpenJSONLFiles returns the conversation files under root that pid (or any
// of its descendants) holds open. Files under a subagents directory are
// skipped; they belong to subagent transcripts, not the session itself.
func OpenJSONLFiles(pid int, root string) ([]string, error) {
	pids := append([]int{pid}, mustDescendants(pid)...)

	var files []string
	seen := make(map[string]bool)
	for _, p := range pids {
		for _, f := range openFiles(p) {
			if !inScope(f, root) || seen[f] {
				continue
			}
			seen[f] = true
			files = append(files, f)
		}
	}
	return files, nil
}

func mustDescendants(pid int) []int {
	pids, err := Descendants(pid)
	if err != nil {
		return nil
	}
	return pids
}

// openFiles lists the regular files pid has open. On Linux it reads
// /proc/<pid>/fd; elsewhere it falls back to lsof.
func openFiles(pid int) []string {
	fdDir := filepath.Join("/proc", strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		return lsofFiles(pid)
	}

	var files []string
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if filepath.IsAbs(target) {
			files = append(files, target)
		}
	}
	return files
}

// lsofFiles is the non-procfs fallback. Errors are treated as "no files";
// a pane can die between enumeration and inspection.
func lsofFiles(pid int) []string {
	cmd := exec.Command("lsof", "-p", strconv.Itoa(pid), "-Fn")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil
	}

	var files []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if strings.HasPrefix(line, "n/") {
			files = append(files, line[1:])
		}
	}
	return files
}

// inScope reports whether path is a conversation file under root, skipping
// subagent transcripts.
func inScope(path, root string) bool {
	if !strings.HasSuffix(path, ".jsonl") {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "subagents" {
			return false
		}
	}
	return true
}
