package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	worker "github.com/lumenai/lumen-worker/internal"
)

// maxPathDepth bounds how deeply nested a repository path may be.
const maxPathDepth = 20

// forbiddenRoots lists system directories a repository path must never
// resolve into.
var forbiddenRoots = func() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\Windows`,
			`C:\Program Files`,
			`C:\Program Files (x86)`,
			`C:\ProgramData`,
		}
	}
	return []string{
		"/etc", "/sys", "/proc", "/dev",
		"/bin", "/sbin", "/usr/bin", "/usr/sbin",
		"/boot", "/root", "/var/log",
	}
}()

// RepoPath checks that path names a safe, readable, non-empty directory:
// resolved to an absolute path, outside the forbidden system roots, and at
// most maxPathDepth components deep.
func RepoPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: repository path is empty", worker.ErrInvalidInput)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve path: %v", worker.ErrInvalidInput, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: path does not exist", worker.ErrInvalidInput)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: path is not a directory", worker.ErrInvalidInput)
	}

	for _, root := range forbiddenRoots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: path is inside a protected system directory", worker.ErrInvalidInput)
		}
	}

	if depth := len(strings.Split(strings.Trim(abs, string(filepath.Separator)), string(filepath.Separator))); depth > maxPathDepth {
		return "", fmt.Errorf("%w: path is nested too deeply", worker.ErrInvalidInput)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("%w: path is not readable", worker.ErrInvalidInput)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: directory is empty", worker.ErrInvalidInput)
	}
	return abs, nil
}
