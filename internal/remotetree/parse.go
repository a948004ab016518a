// Package remotetree turns the device tool's listings into flat node lists and
// keeps a short-lived cache of the last full listing.
package remotetree

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Node is one file or directory on the board, by absolute device path.
type Node struct {
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// Entry is a parsed listing line. Depth 0 is a direct child of the listed root.
type Entry struct {
	Path  string
	IsDir bool
	Size  int64
	Depth int
}

// Node drops the depth.
func (e Entry) Node() Node {
	return Node{Path: e.Path, IsDir: e.IsDir, Size: e.Size}
}

// Nodes converts parsed entries to nodes.
func Nodes(entries []Entry) []Node {
	out := make([]Node, len(entries))
	for i, e := range entries {
		out[i] = e.Node()
	}
	return out
}

// ErrDeviceTraceback is returned when the listing contains a Python traceback
// instead of a tree.
var ErrDeviceTraceback = errors.New("device printed a traceback")

var sizeRe = regexp.MustCompile(`^\[\s*(\d+(?:\.\d+)?)\s*([KMGkmg]?)i?[Bb]?\s*\]\s*(.*)$`)

// Names that are files even without an extension.
var bareFileNames = map[string]bool{
	"readme":   true,
	"license":  true,
	"makefile": true,
	"version":  true,
}

type rawLine struct {
	indent int
	drawn  bool
	name   string
	size   int64
	sized  bool
	slash  bool
}

// ParseTree parses the output of a recursive tree listing rooted at root.
// Both the box-drawing format ("├── [  139]  boot.py") and plain indentation
// are accepted. Directory-vs-file is decided per entry:
//
//  1. a trailing "/" or deeper lines below it mean directory;
//  2. a "[size]" annotation means file;
//  3. when the listing carries sizes at all, a missing one means directory;
//  4. otherwise names with an extension (or well-known bare names) are files.
func ParseTree(raw string, root string) ([]Entry, error) {
	root = cleanRoot(root)
	if strings.Contains(raw, "Traceback (most recent call last)") {
		return nil, ErrDeviceTraceback
	}

	var lines []rawLine
	sawSizes := false
	for _, text := range strings.Split(raw, "\n") {
		text = strings.TrimRight(text, "\r \t")
		if strings.TrimSpace(text) == "" {
			continue
		}
		indent, drawn, rest := splitPrefix(text)
		rest = strings.TrimSpace(rest)
		if len(lines) == 0 && !drawn && isHeader(rest, root) {
			continue
		}

		rl := rawLine{indent: indent, drawn: drawn}
		if m := sizeRe.FindStringSubmatch(rest); m != nil {
			size, err := parseSize(m[1], m[2])
			if err != nil {
				return nil, fmt.Errorf("bad size in %q: %w", text, err)
			}
			rl.size, rl.sized = size, true
			rest = strings.TrimSpace(m[3])
			sawSizes = true
		}
		if strings.HasSuffix(rest, "/") {
			rl.slash = true
			rest = strings.TrimRight(rest, "/")
		}
		if rest == "" || rest == "." || rest == ".." || strings.Contains(rest, "/") {
			continue
		}
		rl.name = rest
		lines = append(lines, rl)
	}

	depths := depthsOf(lines)

	entries := make([]Entry, 0, len(lines))
	var stack []string
	for i, rl := range lines {
		d := depths[i]
		if d > len(stack) {
			d = len(stack)
		}
		stack = stack[:d]
		parent := root
		if d > 0 {
			parent = stack[d-1]
		}
		p := path.Join(parent, rl.name)
		entries = append(entries, Entry{Path: p, Size: rl.size, Depth: d})
		stack = append(stack, p)
	}

	for i := range entries {
		rl := lines[i]
		hasChildren := i+1 < len(entries) && entries[i+1].Depth > entries[i].Depth
		switch {
		case rl.slash || hasChildren:
			entries[i].IsDir = true
		case rl.sized:
			entries[i].IsDir = false
		case sawSizes:
			entries[i].IsDir = true
		default:
			entries[i].IsDir = !looksLikeFile(rl.name)
		}
		if entries[i].IsDir {
			entries[i].Size = 0
		}
	}
	return entries, nil
}

// splitPrefix consumes the indentation and tree-drawing characters of a line
// and returns the column width consumed.
func splitPrefix(line string) (indent int, drawn bool, rest string) {
	prev := rune(0)
	i := 0
	for i < len(line) {
		r, size := utf8.DecodeRuneInString(line[i:])
		switch {
		case r == ' ' || r == '\u00a0':
			indent++
		case r == '\t':
			indent += 4
		case r == '│' || r == '├' || r == '└' || r == '─':
			indent++
			drawn = true
		case r == '|' || r == '`':
			indent++
			drawn = true
		case r == '-' && (prev == '|' || prev == '`' || prev == '-' || prev == '├' || prev == '└'):
			indent++
		default:
			return indent, drawn, line[i:]
		}
		prev = r
		i += size
	}
	return indent, drawn, ""
}

// depthsOf converts per-line indentation into depths. Box-drawn lines use the
// fixed four-column step; plain indentation infers its unit from the data.
func depthsOf(lines []rawLine) []int {
	depths := make([]int, len(lines))
	base, unit := -1, 0
	for _, rl := range lines {
		if rl.drawn {
			continue
		}
		if base < 0 || rl.indent < base {
			base = rl.indent
		}
	}
	for _, rl := range lines {
		if rl.drawn {
			continue
		}
		if diff := rl.indent - base; diff > 0 && (unit == 0 || diff < unit) {
			unit = diff
		}
	}
	if unit == 0 {
		unit = 2
	}
	for i, rl := range lines {
		if rl.drawn {
			d := rl.indent/4 - 1
			if d < 0 {
				d = 0
			}
			depths[i] = d
			continue
		}
		depths[i] = (rl.indent - base) / unit
	}
	return depths
}

func isHeader(text, root string) bool {
	if text == "tree" || strings.HasPrefix(text, "tree ") {
		return true
	}
	if strings.HasPrefix(text, ":") || text == "." {
		return true
	}
	return text == root || text == root+"/"
}

func parseSize(num, unit string) (int64, error) {
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, err
	}
	switch strings.ToUpper(unit) {
	case "K":
		f *= 1024
	case "M":
		f *= 1024 * 1024
	case "G":
		f *= 1024 * 1024 * 1024
	}
	return int64(f), nil
}

func looksLikeFile(name string) bool {
	if bareFileNames[strings.ToLower(name)] {
		return true
	}
	dot := strings.LastIndexByte(name, '.')
	return dot > 0 && dot < len(name)-1
}

func cleanRoot(root string) string {
	if root == "" {
		return "/"
	}
	root = path.Clean("/" + strings.TrimPrefix(root, ":"))
	return root
}

type walkLine struct {
	P string `json:"p"`
	D int    `json:"d"`
	S int64  `json:"s"`
}

// ParseWalk parses the JSON-lines output of the structured walker script.
// Lines that are not JSON objects (tool banners) are skipped.
func ParseWalk(raw string, root string) ([]Entry, error) {
	root = cleanRoot(root)
	if strings.Contains(raw, "Traceback (most recent call last)") {
		return nil, ErrDeviceTraceback
	}
	var entries []Entry
	for _, text := range strings.Split(raw, "\n") {
		text = strings.TrimSpace(text)
		if !strings.HasPrefix(text, "{") {
			continue
		}
		var wl walkLine
		if err := json.Unmarshal([]byte(text), &wl); err != nil {
			return nil, fmt.Errorf("bad walker line %q: %w", text, err)
		}
		p := path.Clean(wl.P)
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if rel == "" {
			continue
		}
		e := Entry{Path: p, IsDir: wl.D != 0, Depth: strings.Count(rel, "/")}
		if !e.IsDir {
			e.Size = wl.S
		}
		entries = append(entries, e)
	}
	return entries, nil
}
