package syncdata

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	ig "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"

	"mpy-sync/internal/config"
	"mpy-sync/internal/logging"
)

// Matcher decides whether a workspace-relative path is ignored.
type Matcher interface {
	Match(rel string, isDir bool) bool
}

// MatchFunc adapts a function to Matcher.
type MatchFunc func(rel string, isDir bool) bool

func (f MatchFunc) Match(rel string, isDir bool) bool { return f(rel, isDir) }

// NoIgnore matches nothing.
var NoIgnore Matcher = MatchFunc(func(string, bool) bool { return false })

// DefaultIgnoreContent is written to the override file when it does not exist.
const DefaultIgnoreContent = `# mpy-sync ignore rules (gitignore syntax).
# Later rules win; prefix with ! to re-include.

# version control
.git/
.svn/
.hg/

# editors
.vscode/
.idea/
*.swp
*~

# build and dependency directories
__pycache__/
node_modules/
build/
dist/
.venv/
venv/
*.pyc

# OS junk
.DS_Store
Thumbs.db
desktop.ini

# local secrets
.env
`

// alwaysIgnored names are never synced, whatever the rule files say.
var alwaysIgnored = []string{config.StateDirName, config.ConfigFileName, config.IgnoreFileName}

// IgnoreMatcher is the compiled rule set of one workspace: the built-in
// defaults, then .mpy-sync/.mpyignore, then the workspace-root .mpyignore.
type IgnoreMatcher struct {
	Root     string
	patterns []string
	gi       *ig.GitIgnore
	fold     bool
}

// foldCase makes matching case-insensitive, the way the Windows filesystem is.
var foldCase = runtime.GOOS == "windows"

// CompileIgnore loads the rule files of root. A missing override file is
// created with DefaultIgnoreContent; an unreadable one falls back to defaults.
func CompileIgnore(root string) *IgnoreMatcher {
	log := logging.Named("ignore")
	st := config.NewState(root)

	lines := splitRules(DefaultIgnoreContent)

	override := st.IgnorePath()
	data, err := os.ReadFile(override)
	switch {
	case os.IsNotExist(err):
		if err := st.Ensure(); err == nil {
			if werr := os.WriteFile(override, []byte(DefaultIgnoreContent), 0644); werr != nil {
				log.Warn("could not create ignore file", zap.String("path", override), zap.Error(werr))
			}
		}
	case err != nil:
		log.Warn("unreadable ignore file, using defaults", zap.String("path", override), zap.Error(err))
	default:
		lines = append(lines, splitRules(string(data))...)
	}

	if data, err := os.ReadFile(st.WorkspaceIgnorePath()); err == nil {
		lines = append(lines, splitRules(string(data))...)
	}

	return CompileIgnoreLines(root, lines...)
}

// CompileIgnoreLines builds a matcher from raw gitignore lines.
func CompileIgnoreLines(root string, lines ...string) *IgnoreMatcher {
	patterns := preprocess(lines)
	if foldCase {
		for i, p := range patterns {
			patterns[i] = strings.ToLower(p)
		}
	}
	return &IgnoreMatcher{Root: root, patterns: patterns, gi: ig.CompileIgnoreLines(patterns...), fold: foldCase}
}

func splitRules(content string) []string {
	var out []string
	for _, ln := range strings.Split(content, "\n") {
		l := strings.TrimSpace(strings.TrimRight(ln, "\r"))
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out
}

// preprocess turns a bare pattern like '*.log' into both 'pat' and '**/pat' so
// it applies in every subtree. A pattern with a slash before its end is
// relative to the workspace root, so it gets a leading '/'.
func preprocess(lines []string) []string {
	out := make([]string, 0, len(lines)*2)
	for _, l := range lines {
		neg := strings.HasPrefix(l, "!")
		body := strings.TrimPrefix(l, "!")
		prefix := ""
		if neg {
			prefix = "!"
		}
		trimmed := strings.TrimSuffix(body, "/")
		switch {
		case strings.HasPrefix(body, "/") || strings.HasPrefix(body, "**"):
			out = append(out, prefix+body)
		case strings.Contains(trimmed, "/"):
			out = append(out, prefix+"/"+body)
		case strings.Contains(body, "**"):
			out = append(out, prefix+body)
		default:
			out = append(out, prefix+body, prefix+"**/"+body)
		}
	}
	return out
}

// Patterns returns the preprocessed rule lines in evaluation order.
func (m *IgnoreMatcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Match reports whether rel (workspace-relative, either separator) is ignored.
// Directory-only rules ("build/") only apply when isDir is true. The last
// matching rule decides.
func (m *IgnoreMatcher) Match(rel string, isDir bool) bool {
	rel = normalizeRel(rel)
	if rel == "" {
		return false
	}

	for _, seg := range strings.Split(rel, "/") {
		for _, a := range alwaysIgnored {
			if strings.EqualFold(seg, a) {
				return true
			}
		}
	}

	if m.gi == nil {
		return false
	}
	if m.fold {
		rel = strings.ToLower(rel)
	}
	if isDir {
		return m.gi.MatchesPath(rel + "/")
	}
	return m.gi.MatchesPath(rel)
}

func normalizeRel(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "./")
	rel = strings.Trim(rel, "/")
	if rel == "." {
		return ""
	}
	return rel
}
