// Package mpremotetest provides an in-memory board that answers the same argv
// the real device tool receives, for tests of everything above the runner.
package mpremotetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mpy-sync/internal/mpremote"
)

// FakeBoard is a mpremote.Runner backed by an in-memory filesystem.
type FakeBoard struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool

	// Ports is what "connect list" reports.
	Ports []string
	// Transient makes the next N invocations of a verb fail with a busy-port message.
	Transient map[string]int
	// FailPaths makes any cp/mkdir touching the path fail with the given message.
	FailPaths map[string]string
	// RecursiveRemoveNotEmpty makes "fs rm -r" report ENOTEMPTY for non-empty
	// directories, the way the real protocol sometimes does.
	RecursiveRemoveNotEmpty bool
	// OnRun, when set, is called before each invocation is interpreted.
	OnRun func(args []string)
	// ExecReplies maps "exec" code to the output the board prints for it.
	ExecReplies map[string]string

	calls [][]string
}

// NewFakeBoard returns an empty board with only "/".
func NewFakeBoard() *FakeBoard {
	return &FakeBoard{
		files:       map[string][]byte{},
		dirs:        map[string]bool{"/": true},
		Transient:   map[string]int{},
		FailPaths:   map[string]string{},
		ExecReplies: map[string]string{},
	}
}

// AddFile creates p (and its parents) with content.
func (b *FakeBoard) AddFile(p string, content []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p = path.Clean(p)
	b.mkdirAllLocked(path.Dir(p))
	b.files[p] = append([]byte(nil), content...)
}

// AddDir creates p and its parents.
func (b *FakeBoard) AddDir(p string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mkdirAllLocked(path.Clean(p))
}

// File returns the content of p.
func (b *FakeBoard) File(p string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.files[path.Clean(p)]
	return c, ok
}

// HasDir reports whether p is a directory on the board.
func (b *FakeBoard) HasDir(p string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirs[path.Clean(p)]
}

// Files returns every file path, sorted.
func (b *FakeBoard) Files() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.files))
	for p := range b.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Calls returns the argv of every invocation so far.
func (b *FakeBoard) Calls() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// CountVerb counts invocations whose verb is verb ("tree", "mkdir", "cp", ...).
func (b *FakeBoard) CountVerb(verb string) int {
	n := 0
	for _, c := range b.Calls() {
		if verbOf(c) == verb {
			n++
		}
	}
	return n
}

func (b *FakeBoard) mkdirAllLocked(p string) {
	for p != "/" && p != "." && p != "" {
		b.dirs[p] = true
		p = path.Dir(p)
	}
}

func fail(msg string) (mpremote.Result, error) {
	res := mpremote.Result{Stderr: msg, ExitCode: 1}
	return res, &mpremote.ExitError{Code: 1, Output: msg}
}

func ok(out string) (mpremote.Result, error) {
	return mpremote.Result{Stdout: out}, nil
}

func strip(p string) string {
	p = strings.TrimPrefix(p, ":")
	if p == "" {
		return "/"
	}
	return path.Clean(p)
}

func verbOf(args []string) string {
	if len(args) == 2 && args[0] == "connect" && args[1] == "list" {
		return "list"
	}
	rest := args
	if len(rest) >= 2 && rest[0] == "connect" {
		rest = rest[2:]
	}
	if len(rest) == 0 {
		return ""
	}
	if rest[0] == "fs" && len(rest) > 1 {
		return rest[1]
	}
	return rest[0]
}

// Run interprets one invocation.
func (b *FakeBoard) Run(ctx context.Context, args []string) (mpremote.Result, error) {
	if b.OnRun != nil {
		b.OnRun(args)
	}
	if err := ctx.Err(); err != nil {
		return mpremote.Result{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]string(nil), args...))

	verb := verbOf(args)
	if n := b.Transient[verb]; n > 0 {
		b.Transient[verb] = n - 1
		return fail("mpremote: could not enter raw repl")
	}

	if verb == "list" {
		return ok(strings.Join(b.Ports, "\n"))
	}
	if len(args) < 3 || args[0] != "connect" {
		return fail("mpremote: no device found")
	}
	rest := args[2:]

	switch rest[0] {
	case "reset":
		return ok("")
	case "exec":
		if len(rest) < 2 {
			return fail("exec: missing code")
		}
		return b.execLocked(rest[1])
	case "fs":
	default:
		return fail("unknown command " + rest[0])
	}

	if len(rest) < 2 {
		return fail("fs: missing command")
	}
	cmd, params := rest[1], rest[2:]
	switch cmd {
	case "tree":
		root := "/"
		if len(params) > 0 {
			root = strip(params[len(params)-1])
		}
		if !b.dirs[root] {
			return fail("tree: " + root + ": OSError: [Errno 2] ENOENT")
		}
		return ok(b.renderTreeLocked(root))
	case "ls":
		dir := "/"
		if len(params) > 0 {
			dir = strip(params[0])
		}
		if !b.dirs[dir] {
			return fail("ls: " + dir + ": OSError: [Errno 2] ENOENT")
		}
		return ok(b.renderLsLocked(dir))
	case "mkdir":
		p := strip(params[0])
		if msg, bad := b.FailPaths[p]; bad {
			return fail(msg)
		}
		if b.dirs[p] || b.files[p] != nil {
			return fail("mkdir: " + p + ": OSError: [Errno 17] EEXIST")
		}
		if !b.dirs[path.Dir(p)] {
			return fail("mkdir: " + p + ": OSError: [Errno 2] ENOENT")
		}
		b.dirs[p] = true
		return ok("")
	case "cp":
		return b.copyLocked(params)
	case "rm":
		recursive := len(params) > 1 && params[0] == "-r"
		p := strip(params[len(params)-1])
		return b.removeLocked(p, recursive)
	case "rmdir":
		p := strip(params[0])
		if !b.dirs[p] {
			return fail("rmdir: " + p + ": OSError: [Errno 2] ENOENT")
		}
		if len(b.childrenLocked(p)) > 0 {
			return fail("rmdir: " + p + ": OSError: [Errno 39] ENOTEMPTY")
		}
		delete(b.dirs, p)
		return ok("")
	case "touch":
		p := strip(params[0])
		if !b.dirs[path.Dir(p)] {
			return fail("touch: " + p + ": OSError: [Errno 2] ENOENT")
		}
		if _, exists := b.files[p]; !exists {
			b.files[p] = []byte{}
		}
		return ok("")
	}
	return fail("fs: unknown command " + cmd)
}

func (b *FakeBoard) copyLocked(params []string) (mpremote.Result, error) {
	if len(params) > 0 && params[0] == "-f" {
		params = params[1:]
	}
	if len(params) != 2 {
		return fail("cp: bad arguments")
	}
	src, dst := params[0], params[1]

	if strings.HasPrefix(dst, ":") {
		rp := strip(dst)
		if msg, bad := b.FailPaths[rp]; bad {
			return fail(msg)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return fail("cp: " + src + ": No such file or directory")
		}
		if !b.dirs[path.Dir(rp)] {
			return fail("cp: " + rp + ": OSError: [Errno 2] ENOENT")
		}
		if b.dirs[rp] {
			return fail("cp: " + rp + ": OSError: [Errno 21] EISDIR")
		}
		b.files[rp] = data
		return ok("cp " + src + " " + dst)
	}

	rp := strip(src)
	if msg, bad := b.FailPaths[rp]; bad {
		return fail(msg)
	}
	data, exists := b.files[rp]
	if !exists {
		return fail("cp: " + rp + ": OSError: [Errno 2] ENOENT")
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fail("cp: " + dst + ": No such file or directory")
		}
		return fail("cp: " + err.Error())
	}
	return ok("cp " + src + " " + dst)
}

func (b *FakeBoard) removeLocked(p string, recursive bool) (mpremote.Result, error) {
	if _, isFile := b.files[p]; isFile {
		delete(b.files, p)
		return ok("")
	}
	if !b.dirs[p] {
		return fail("rm: " + p + ": OSError: [Errno 2] ENOENT")
	}
	if !recursive {
		return fail("rm: " + p + ": OSError: [Errno 21] EISDIR")
	}
	if b.RecursiveRemoveNotEmpty && len(b.childrenLocked(p)) > 0 {
		return fail("rm: " + p + ": OSError: [Errno 39] ENOTEMPTY")
	}
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	for f := range b.files {
		if strings.HasPrefix(f, prefix) {
			delete(b.files, f)
		}
	}
	for d := range b.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(b.dirs, d)
		}
	}
	if p != "/" {
		delete(b.dirs, p)
	}
	return ok("")
}

type child struct {
	name  string
	isDir bool
	size  int
}

func (b *FakeBoard) childrenLocked(dir string) []child {
	var out []child
	for f, data := range b.files {
		if f != "/" && path.Dir(f) == dir {
			out = append(out, child{name: path.Base(f), size: len(data)})
		}
	}
	for d := range b.dirs {
		if d != "/" && path.Dir(d) == dir {
			out = append(out, child{name: path.Base(d), isDir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (b *FakeBoard) renderLsLocked(dir string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ls :%s\n", dir)
	for _, c := range b.childrenLocked(dir) {
		if c.isDir {
			fmt.Fprintf(&sb, "%12d %s/\n", 0, c.name)
		} else {
			fmt.Fprintf(&sb, "%12d %s\n", c.size, c.name)
		}
	}
	return sb.String()
}

// renderTreeLocked prints the box-drawing format of "fs tree -s".
func (b *FakeBoard) renderTreeLocked(root string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "tree :%s\n:%s\n", root, root)
	var walk func(dir, prefix string)
	walk = func(dir, prefix string) {
		children := b.childrenLocked(dir)
		for i, c := range children {
			branch, next := "├── ", "│   "
			if i == len(children)-1 {
				branch, next = "└── ", "    "
			}
			if c.isDir {
				fmt.Fprintf(&sb, "%s%s%s\n", prefix, branch, c.name)
				walk(path.Join(dir, c.name), prefix+next)
				continue
			}
			fmt.Fprintf(&sb, "%s%s[%11d]  %s\n", prefix, branch, c.size, c.name)
		}
	}
	walk(root, "")
	return sb.String()
}

var (
	statRe   = regexp.MustCompile(`os\.stat\(("(?:[^"\\]|\\.)*")\)`)
	renameRe = regexp.MustCompile(`os\.rename\(("(?:[^"\\]|\\.)*"), ("(?:[^"\\]|\\.)*")\)`)
	walkRe   = regexp.MustCompile(`(?m)^_w\(("(?:[^"\\]|\\.)*")\)`)
)

func (b *FakeBoard) execLocked(code string) (mpremote.Result, error) {
	if m := statRe.FindStringSubmatch(code); m != nil {
		p, _ := strconv.Unquote(m[1])
		p = path.Clean(p)
		switch {
		case b.dirs[p]:
			return ok(fmt.Sprintf("%d 0\n", 0x4000))
		case b.files[p] != nil:
			return ok(fmt.Sprintf("%d %d\n", 0x8000, len(b.files[p])))
		}
		return ok("ENOENT\n")
	}
	if m := renameRe.FindStringSubmatch(code); m != nil {
		from, _ := strconv.Unquote(m[1])
		to, _ := strconv.Unquote(m[2])
		return b.renameLocked(path.Clean(from), path.Clean(to))
	}
	if m := walkRe.FindStringSubmatch(code); m != nil {
		root, _ := strconv.Unquote(m[1])
		return ok(b.renderWalkLocked(path.Clean(root)))
	}
	return ok(b.ExecReplies[code])
}

func (b *FakeBoard) renameLocked(from, to string) (mpremote.Result, error) {
	if data, isFile := b.files[from]; isFile {
		if !b.dirs[path.Dir(to)] {
			return ok("ENOENT [Errno 2] ENOENT\n")
		}
		delete(b.files, from)
		b.files[to] = data
		return ok("OK\n")
	}
	if !b.dirs[from] {
		return ok("ENOENT [Errno 2] ENOENT\n")
	}
	prefix := from + "/"
	for f, data := range b.files {
		if strings.HasPrefix(f, prefix) {
			delete(b.files, f)
			b.files[to+"/"+strings.TrimPrefix(f, prefix)] = data
		}
	}
	for d := range b.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(b.dirs, d)
			b.dirs[to+"/"+strings.TrimPrefix(d, prefix)] = true
		}
	}
	delete(b.dirs, from)
	b.dirs[to] = true
	return ok("OK\n")
}

func (b *FakeBoard) renderWalkLocked(root string) string {
	var sb strings.Builder
	var walk func(dir string)
	walk = func(dir string) {
		for _, c := range b.childrenLocked(dir) {
			p := path.Join(dir, c.name)
			d := 0
			if c.isDir {
				d = 1
			}
			line, _ := json.Marshal(map[string]any{"p": p, "d": d, "s": c.size})
			sb.Write(line)
			sb.WriteByte('\n')
			if c.isDir {
				walk(p)
			}
		}
	}
	walk(root)
	return sb.String()
}

// WriteLocalTree creates files under root from a relative-path→content map.
func WriteLocalTree(root string, files map[string]string) error {
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}
