package syncdata

import (
	"path/filepath"
	"testing"
)

func TestScopeContains(t *testing.T) {
	s := Scope{prefixes: []string{"vendor", "src"}}

	testCases := []struct {
		relPath  string
		expected bool
		desc     string
	}{
		{"vendor", true, "exact vendor directory match"},
		{"vendor/lib.py", true, "file inside vendor directory"},
		{"vendor/subdir/file.py", true, "file in vendor subdirectory"},
		{"src/main.py", true, "file inside src directory"},
		{"vendored/x.py", false, "sibling sharing a name prefix"},
		{"other", false, "unrelated directory"},
		{"", false, "empty path"},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := s.Contains(tc.relPath); got != tc.expected {
				t.Errorf("Contains(%q) = %v, expected %v", tc.relPath, got, tc.expected)
			}
		})
	}

	edgeCases := []struct {
		relPath  string
		prefixes []string
		expected bool
		desc     string
	}{
		{"a/b/c/file.py", []string{"a/b"}, true, "partial prefix match"},
		{"a/b/c/file.py", []string{"x/y/z"}, false, "no match in deep nesting"},
		{"file.py", []string{"file.py"}, true, "exact file match"},
		{"vendor/file.py", []string{"vendor/"}, true, "trailing slash matches subdirectory"},
		{"any", []string{""}, false, "empty prefix matches nothing"},
	}
	for _, tc := range edgeCases {
		t.Run("edge_"+tc.desc, func(t *testing.T) {
			s := Scope{prefixes: tc.prefixes}
			if got := s.Contains(tc.relPath); got != tc.expected {
				t.Errorf("Contains(%q) with %v = %v, expected %v", tc.relPath, tc.prefixes, got, tc.expected)
			}
		})
	}
}

func TestNewScopeNormalizes(t *testing.T) {
	root := t.TempDir()

	s := NewScope(root, []string{"lib/", filepath.Join(root, "main.py"), "lib", " ", "../outside"})
	got := s.Prefixes()
	want := []string{"lib", "main.py"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("Prefixes() = %v, want %v", got, want)
	}

	if !NewScope(root, []string{"lib", "."}).All() {
		t.Fatalf("a scope naming the root should cover everything")
	}
	if !NewScope(root, nil).All() {
		t.Fatalf("an empty scope should cover everything")
	}
}

func TestScopeFilters(t *testing.T) {
	s := Scope{prefixes: []string{"lib"}}

	paths := s.FilterDevicePaths([]string{"/app/lib/a.py", "/app/main.py", "/app/libx.py"}, "/app")
	if len(paths) != 1 || paths[0] != "/app/lib/a.py" {
		t.Fatalf("FilterDevicePaths = %v", paths)
	}

	m := &Manifest{Entries: []ManifestEntry{{Path: "lib/a.py"}, {Path: "main.py"}}, Dirs: []string{"lib", "tests"}}
	f := s.FilterManifest(m)
	if f.Len() != 1 || len(f.Dirs) != 1 {
		t.Fatalf("FilterManifest kept %v / %v", f.Paths(), f.Dirs)
	}
	if _, ok := f.Get("lib/a.py"); !ok {
		t.Fatalf("lib/a.py missing after filter")
	}
}
