package workspace

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/m4xw311/aichat/errors"
)

// Resolve maps a root-relative path to an absolute one inside the root.
// The lexical check runs first and never touches the filesystem; the join
// then resolves symlinks without leaving the root, and the result is checked
// for containment once more.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		return "", errors.Errorf(errors.ErrPathConfinement, "Absolute path access is not allowed")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf(errors.ErrPathConfinement, "Path outside workspace root is not allowed")
	}
	abs, err := securejoin.SecureJoin(w.root, clean)
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve path '%s'", path)
	}
	if !w.contains(abs) {
		return "", errors.Errorf(errors.ErrPathConfinement, "Path outside workspace root is not allowed")
	}
	return abs, nil
}

func (w *Workspace) contains(abs string) bool {
	return abs == w.root || strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

// Rel returns the root-relative slash path of an absolute path inside the
// root. The root itself is ".".
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

func (w *Workspace) isHidden(rel string) bool {
	return matchAny(rel, w.opts.Hidden)
}

func (w *Workspace) isReadOnly(rel string) bool {
	return matchAny(rel, w.opts.ReadOnly)
}

func matchAny(rel string, patterns []string) bool {
	if rel == "." {
		return false
	}
	for _, p := range patterns {
		// Patterns were validated at bind time.
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// resolveVisible resolves path and rejects hidden targets.
func (w *Workspace) resolveVisible(path string) (string, string, error) {
	abs, err := w.Resolve(path)
	if err != nil {
		return "", "", err
	}
	rel := w.Rel(abs)
	if w.isHidden(rel) {
		return "", "", errors.Errorf(errors.ErrPathConfinement, "access denied: path '%s' is hidden", path)
	}
	return abs, rel, nil
}

// resolveWritable resolves path and rejects hidden or read-only targets.
func (w *Workspace) resolveWritable(path string) (string, string, error) {
	abs, rel, err := w.resolveVisible(path)
	if err != nil {
		return "", "", err
	}
	if w.isReadOnly(rel) {
		return "", "", errors.Errorf(errors.ErrPathConfinement, "access denied: path '%s' is read-only", path)
	}
	return abs, rel, nil
}

// Dir resolves a working directory for subprocesses under the same rules as
// file paths.
func (w *Workspace) Dir(path string) (string, error) {
	abs, _, err := w.resolveVisible(path)
	if err != nil {
		return "", err
	}
	if err := requireDir(abs, path); err != nil {
		return "", err
	}
	return abs, nil
}
