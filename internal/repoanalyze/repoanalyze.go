// Package repoanalyze scans attached repositories: directory structure,
// technology stack detection, a short summary and tech-debt heuristics.
package repoanalyze

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"

	"github.com/maypok86/otter/v2"
)

// Scan caps keep analysis bounded on very large trees.
const (
	maxDepth     = 20
	maxFiles     = 5000
	maxFileBytes = 512 * 1024
	largeFile    = 100 * 1024
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".idea":        true,
	".vscode":      true,
}

// languageByExt maps file extensions to language names.
var languageByExt = map[string]string{
	".go":    "Go",
	".py":    "Python",
	".js":    "JavaScript",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".jsx":   "JavaScript",
	".rs":    "Rust",
	".java":  "Java",
	".kt":    "Kotlin",
	".rb":    "Ruby",
	".c":     "C",
	".h":     "C",
	".cpp":   "C++",
	".cc":    "C++",
	".cs":    "C#",
	".swift": "Swift",
	".php":   "PHP",
	".sh":    "Shell",
	".sql":   "SQL",
	".html":  "HTML",
	".css":   "CSS",
}

// markerFiles flag frameworks and tooling by their presence at any level.
var markerFiles = map[string]string{
	"go.mod":             "Go modules",
	"package.json":       "Node.js",
	"pyproject.toml":     "Python (pyproject)",
	"requirements.txt":   "Python (pip)",
	"Cargo.toml":         "Rust (cargo)",
	"pom.xml":            "Maven",
	"build.gradle":       "Gradle",
	"Gemfile":            "Ruby (bundler)",
	"Dockerfile":         "Docker",
	"docker-compose.yml": "Docker Compose",
	"Makefile":           "Make",
	".github":            "GitHub Actions",
	"tsconfig.json":      "TypeScript",
	"next.config.js":     "Next.js",
	"vite.config.ts":     "Vite",
	"tailwind.config.js": "Tailwind CSS",
}

const (
	cacheTTL    = 10 * time.Minute // scans are expensive; repeat lookups come from summary/debt commands
	cacheMaxLen = 64
)

// Analyzer performs repository scans. Analyses are cached per path so the
// summary and tech-debt commands reuse a recent scan.
type Analyzer struct {
	cache *otter.Cache[string, *worker.RepoAnalysis]
}

func New() *Analyzer {
	cache := otter.Must(&otter.Options[string, *worker.RepoAnalysis]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *worker.RepoAnalysis](cacheTTL),
	})
	return &Analyzer{cache: cache}
}

// Analyze scans root and returns the full analysis. root must already be
// validated and absolute.
func (a *Analyzer) Analyze(ctx context.Context, root string) (*worker.RepoAnalysis, error) {
	scan, err := a.walk(ctx, root)
	if err != nil {
		return nil, err
	}

	res := &worker.RepoAnalysis{
		RepoPath:   root,
		Structure:  scan.structure(),
		Stack:      scan.stack(),
		TechDebt:   scan.techDebt(),
		AnalyzedAt: time.Now().UTC(),
		FileCount:  scan.fileCount,
		TotalSize:  scan.totalSize,
	}
	res.Summary = summarize(filepath.Base(root), res)
	a.cache.Set(root, res)
	return res, nil
}

// Cached returns a recent analysis for root, scanning if none is cached.
func (a *Analyzer) Cached(ctx context.Context, root string) (*worker.RepoAnalysis, error) {
	if res, ok := a.cache.GetIfPresent(root); ok {
		return res, nil
	}
	return a.Analyze(ctx, root)
}

// Summary returns the one-paragraph summary for root.
func (a *Analyzer) Summary(ctx context.Context, root string) (string, error) {
	res, err := a.Cached(ctx, root)
	if err != nil {
		return "", err
	}
	return res.Summary, nil
}

// TechDebt returns the tech-debt findings for root.
func (a *Analyzer) TechDebt(ctx context.Context, root string) ([]string, error) {
	res, err := a.Cached(ctx, root)
	if err != nil {
		return nil, err
	}
	return res.TechDebt, nil
}

type scanState struct {
	fileCount  int
	dirCount   int
	totalSize  int64
	maxSeen    int
	languages  map[string]int
	markers    map[string]bool
	topEntries []string
	largeFiles []string
	deepDirs   []string
	todoCount  int
	truncated  bool
}

func (a *Analyzer) walk(ctx context.Context, root string) (*scanState, error) {
	s := &scanState{
		languages: make(map[string]int),
		markers:   make(map[string]bool),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))

		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			if depth > maxDepth {
				return filepath.SkipDir
			}
			if path != root {
				s.dirCount++
				if depth == 0 {
					s.topEntries = append(s.topEntries, d.Name()+"/")
				}
				if depth >= maxDepth-2 {
					s.deepDirs = append(s.deepDirs, rel)
				}
			}
			if tool, ok := markerFiles[d.Name()]; ok {
				s.markers[tool] = true
			}
			return nil
		}

		if s.fileCount >= maxFiles {
			s.truncated = true
			return filepath.SkipAll
		}
		s.fileCount++
		if depth == 0 {
			s.topEntries = append(s.topEntries, d.Name())
		}
		if depth > s.maxSeen {
			s.maxSeen = depth
		}
		if tool, ok := markerFiles[d.Name()]; ok {
			s.markers[tool] = true
		}
		if lang, ok := languageByExt[strings.ToLower(filepath.Ext(d.Name()))]; ok {
			s.languages[lang]++
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		s.totalSize += info.Size()
		if info.Size() > largeFile && isSourceFile(d.Name()) {
			s.largeFiles = append(s.largeFiles, rel)
		}
		if isSourceFile(d.Name()) && info.Size() <= maxFileBytes {
			s.todoCount += countDebtMarkers(path)
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return nil, fmt.Errorf("scan repository: %w", err)
	}
	return s, nil
}

func isSourceFile(name string) bool {
	_, ok := languageByExt[strings.ToLower(filepath.Ext(name))]
	return ok
}

func countDebtMarkers(path string) int {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(b), "TODO") + strings.Count(string(b), "FIXME") + strings.Count(string(b), "HACK")
}

func (s *scanState) structure() map[string]any {
	sort.Strings(s.topEntries)
	return map[string]any{
		"top_level":   s.topEntries,
		"file_count":  s.fileCount,
		"dir_count":   s.dirCount,
		"max_depth":   s.maxSeen,
		"total_bytes": s.totalSize,
		"truncated":   s.truncated,
	}
}

func (s *scanState) stack() map[string]any {
	langs := make([]string, 0, len(s.languages))
	for l := range s.languages {
		langs = append(langs, l)
	}
	sort.Slice(langs, func(i, j int) bool {
		if s.languages[langs[i]] != s.languages[langs[j]] {
			return s.languages[langs[i]] > s.languages[langs[j]]
		}
		return langs[i] < langs[j]
	})

	tools := make([]string, 0, len(s.markers))
	for t := range s.markers {
		tools = append(tools, t)
	}
	sort.Strings(tools)

	primary := ""
	if len(langs) > 0 {
		primary = langs[0]
	}
	return map[string]any{
		"languages":        langs,
		"primary_language": primary,
		"tooling":          tools,
		"file_counts":      s.languages,
	}
}

func (s *scanState) techDebt() []string {
	var debt []string
	if s.todoCount > 0 {
		debt = append(debt, fmt.Sprintf("%d TODO/FIXME/HACK markers in source files", s.todoCount))
	}
	if len(s.largeFiles) > 0 {
		sort.Strings(s.largeFiles)
		n := len(s.largeFiles)
		sample := s.largeFiles
		if n > 5 {
			sample = sample[:5]
		}
		debt = append(debt, fmt.Sprintf("%d source files over 100KB (e.g. %s)", n, strings.Join(sample, ", ")))
	}
	if len(s.deepDirs) > 0 {
		debt = append(debt, fmt.Sprintf("%d directories nested deeper than %d levels", len(s.deepDirs), maxDepth-2))
	}
	if s.truncated {
		debt = append(debt, fmt.Sprintf("repository exceeds the %d file scan cap; analysis is partial", maxFiles))
	}
	return debt
}

func summarize(name string, r *worker.RepoAnalysis) string {
	primary, _ := r.Stack["primary_language"].(string)
	tools, _ := r.Stack["tooling"].([]string)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d files, %s", name, r.FileCount, humanSize(r.TotalSize))
	if primary != "" {
		fmt.Fprintf(&b, ", primarily %s", primary)
	}
	if len(tools) > 0 {
		fmt.Fprintf(&b, ". Tooling: %s", strings.Join(tools, ", "))
	}
	if n := len(r.TechDebt); n > 0 {
		fmt.Fprintf(&b, ". %d tech-debt findings", n)
	}
	b.WriteString(".")
	return b.String()
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGT"[exp])
}
