package confine

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Listing is the result of a recursive enumeration under the allowed root.
// Files are root-relative, in canonical (symlink-resolved) form so two
// different spellings never alias the same real file inconsistently.
type Listing struct {
	Files  []string
	Capped bool
}

// List walks the allowed root depth-first and returns files whose
// root-relative path matches pattern (doublestar glob; empty pattern matches
// everything). Traversal is sequential; a set of canonical directory
// identities already visited breaks symlink cycles, including a directory
// symlinked into its own subtree. Entries that fail confinement or cannot be
// read are skipped, not fatal. A symlink and its in-root target canonicalize
// to the same relative path and yield one entry. The walk stops with
// Capped=true as soon as maxEntries matches have been collected.
func (g *Guard) List(pattern string, maxEntries int) (*Listing, error) {
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, &PatternError{Pattern: pattern}
	}
	l := &Listing{Files: []string{}}
	visited := map[string]bool{g.canonRoot: true}
	g.walk(g.canonRoot, pattern, maxEntries, visited, map[string]bool{}, l)
	return l, nil
}

func (g *Guard) walk(dir, pattern string, maxEntries int, visited, seen map[string]bool, l *Listing) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Permission problems do not abort the whole listing.
		g.logger.Debug("skipping unreadable directory", slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if l.Capped {
			return
		}
		full := filepath.Join(dir, entry.Name())
		canon, err := filepath.EvalSymlinks(full)
		if err != nil || !g.contains(canon) {
			// Broken symlink, racing delete, or a link out of the
			// root: skip silently.
			continue
		}
		info, err := os.Stat(canon)
		if err != nil {
			continue
		}
		if info.IsDir() {
			if visited[canon] {
				continue
			}
			visited[canon] = true
			g.walk(canon, pattern, maxEntries, visited, seen, l)
			continue
		}
		rel, err := g.Rel(canon)
		if err != nil || seen[rel] {
			continue
		}
		seen[rel] = true
		if pattern != "" {
			ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
			if err != nil || !ok {
				continue
			}
		}
		l.Files = append(l.Files, rel)
		if len(l.Files) >= maxEntries {
			l.Capped = true
			return
		}
	}
}

// PatternError reports a malformed glob pattern.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return "invalid glob pattern: " + e.Pattern
}
