// Package pathutil normalises store paths and matches them against glob patterns.
//
// Every path handled by the local store and the remote client is absolute,
// slash separated and has no trailing slash: "/", "/a", "/a/b.txt".
package pathutil

import (
	"path"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Join joins the elements into one absolute path, dropping empty elements
// and redundant slashes.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return path.Clean("/" + strings.Join(parts, "/"))
}

// Resolved is a path split into its components
type Resolved struct {
	Path string // normalised absolute path
	Dir  string // parent folder
	Base string // last element
}

// Resolve normalises p and splits it into folder and base name.
func Resolve(p string) Resolved {
	clean := Join(p)
	if clean == "/" {
		return Resolved{Path: "/", Dir: "/", Base: ""}
	}
	dir, base := path.Split(clean)
	return Resolved{Path: clean, Dir: Join(dir), Base: base}
}

// Ancestors returns every folder above p, from the root down, excluding p itself.
func Ancestors(p string) []string {
	r := Resolve(p)
	if r.Path == "/" {
		return nil
	}

	var out []string
	for dir := r.Dir; ; dir = Resolve(dir).Dir {
		out = append([]string{dir}, out...)
		if dir == "/" {
			break
		}
	}
	return out
}

// Rel returns p relative to root, without a leading slash, and whether p
// lies under root.
func Rel(root, p string) (string, bool) {
	root = Join(root)
	p = Join(p)
	if root == "/" {
		return strings.TrimPrefix(p, "/"), true
	}
	if p == root {
		return "", true
	}
	if !strings.HasPrefix(p, root+"/") {
		return "", false
	}
	return strings.TrimPrefix(p, root+"/"), true
}

var (
	cacheMu sync.RWMutex
	cache   = map[string]glob.Glob{}
)

func compile(pattern string) (glob.Glob, error) {
	cacheMu.RLock()
	g, ok := cache[pattern]
	cacheMu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}

	cacheMu.Lock()
	cache[pattern] = g
	cacheMu.Unlock()
	return g, nil
}

// Match reports whether the absolute path p, taken relative to root, matches
// any of the patterns. A leading "**/" also matches zero folders, so "**/*"
// selects every file under root.
func Match(root, p string, patterns ...string) (bool, error) {
	rel, ok := Rel(root, p)
	if !ok || rel == "" {
		return false, nil
	}

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(pattern, "/")
		candidates := []string{pattern}
		if strings.HasPrefix(pattern, "**/") {
			candidates = append(candidates, strings.TrimPrefix(pattern, "**/"))
		}

		for _, c := range candidates {
			g, err := compile(c)
			if err != nil {
				return false, err
			}
			if g.Match(rel) {
				return true, nil
			}
		}
	}
	return false, nil
}
