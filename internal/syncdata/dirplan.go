package syncdata

import (
	"path"
	"sort"
	"strings"
)

// PlanRemoteDirs returns every directory that must exist below remoteRoot for
// the given file device paths, shallowest first. The root itself is never
// included.
func PlanRemoteDirs(devicePaths []string, remoteRoot string) []string {
	root := NormalizeRoot(remoteRoot)
	seen := map[string]bool{}
	for _, p := range devicePaths {
		dir := path.Dir(path.Clean("/" + p))
		for dir != "/" && dir != root && InsideRoot(dir, root) {
			if seen[dir] {
				break
			}
			seen[dir] = true
			dir = path.Dir(dir)
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sortByDepth(dirs)
	return dirs
}

func depth(p string) int {
	return strings.Count(strings.Trim(p, "/"), "/")
}

func sortByDepth(dirs []string) {
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := depth(dirs[i]), depth(dirs[j])
		if di != dj {
			return di < dj
		}
		return dirs[i] < dirs[j]
	})
}
