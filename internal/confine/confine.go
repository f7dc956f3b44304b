// Package confine restricts all sandbox filesystem access to a single
// allowed root directory.
//
// Every path the interpreted code supplies is relative to that root. A path
// is accepted only if its canonical (symlink-resolved) form stays inside the
// canonical root; traversal via "..", absolute paths, symlinked files,
// symlinked directories, and symlinked ancestors of not-yet-existing write
// targets are all rejected with the same error.
package confine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for any path that would resolve outside the
// allowed root, regardless of how it got there.
var ErrOutsideRoot = errors.New("path is outside the allowed directory")

// Guard validates paths against one allowed root, fixed for its lifetime.
type Guard struct {
	root      string // absolute, as configured
	canonRoot string // symlink-resolved form of root
	logger    *slog.Logger
}

// New creates a Guard for the given root directory. The root must exist;
// it is canonicalized once here so later containment checks compare against
// the real directory even if the configured path goes through symlinks.
func New(root string, logger *slog.Logger) (*Guard, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %q: %w", root, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing root %q: %w", abs, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", canon, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", root)
	}
	return &Guard{root: abs, canonRoot: canon, logger: logger}, nil
}

// Root returns the canonical allowed root.
func (g *Guard) Root() string {
	return g.canonRoot
}

// Resolve validates rel against the allowed root and returns an absolute
// path safe to hand to the OS.
//
// For an existing target the returned path is its canonical form. For a
// target that does not exist yet (a new write destination), the nearest
// existing ancestor is canonicalized and containment-checked instead, and
// the non-canonicalized joined path is returned, since symlinks can only be
// resolved on things that exist.
func (g *Guard) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%q: %w", rel, ErrOutsideRoot)
	}
	joined := filepath.Join(g.canonRoot, rel)

	// Cheap textual check first: the relative component computed back
	// against the root must not start with a parent reference.
	relc, err := filepath.Rel(g.canonRoot, joined)
	if err != nil || relc == ".." || strings.HasPrefix(relc, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", rel, ErrOutsideRoot)
	}

	canon, err := filepath.EvalSymlinks(joined)
	if err == nil {
		if !g.contains(canon) {
			return "", fmt.Errorf("%q: %w", rel, ErrOutsideRoot)
		}
		return canon, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("resolving %q: %w", rel, err)
	}

	// Target does not exist. Canonicalize the nearest existing ancestor
	// and check that instead, so a symlinked parent (or grandparent) of a
	// new write target cannot redirect it outside the root.
	for dir := filepath.Dir(joined); ; dir = filepath.Dir(dir) {
		canonDir, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if !g.contains(canonDir) {
				return "", fmt.Errorf("%q: %w", rel, ErrOutsideRoot)
			}
			return joined, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("resolving parent of %q: %w", rel, err)
		}
		if dir == filepath.Dir(dir) {
			// Walked off the top without finding anything real.
			return "", fmt.Errorf("%q: %w", rel, ErrOutsideRoot)
		}
	}
}

// Rel converts an absolute (canonical) path back to its root-relative form.
func (g *Guard) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(g.canonRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", abs, ErrOutsideRoot)
	}
	return rel, nil
}

// contains reports whether path (already canonical) is the root itself or
// below it. Prefix matching is directory-safe: /data matches /data/a but
// not /database.
func (g *Guard) contains(path string) bool {
	return path == g.canonRoot || strings.HasPrefix(path, g.canonRoot+string(filepath.Separator))
}
