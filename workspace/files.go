package workspace

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/m4xw311/aichat/errors"
	"golang.org/x/text/encoding/unicode"
)

type ReadResult struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

type WriteResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

type FolderResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
}

type DeleteResult struct {
	Path    string `json:"path"`
	Deleted bool   `json:"deleted"`
}

type RenameResult struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Edit is one search/replace pair. Description is informational only.
type Edit struct {
	Search      string `json:"search"`
	Replace     string `json:"replace"`
	Description string `json:"description,omitempty"`
}

type EditResult struct {
	Status  string `json:"status"`
	Path    string `json:"path"`
	Applied int    `json:"applied"`
}

// Read returns at most MaxReadBytes of a file decoded as UTF-8. Invalid
// sequences are replaced rather than rejected.
func (w *Workspace) Read(path string) (*ReadResult, error) {
	abs, rel, err := w.resolveVisible(path)
	if err != nil {
		return nil, err
	}
	if err := requireFile(abs, path); err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	defer f.Close()

	limit := w.opts.MaxReadBytes
	raw, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}
	truncated := int64(len(raw)) > limit
	if truncated {
		raw = raw[:limit]
	}
	return &ReadResult{Path: rel, Content: decodeUTF8(raw), Truncated: truncated}, nil
}

func decodeUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, []byte(string(utf8.RuneError))))
	}
	return string(out)
}

// Write replaces the whole file, creating parent directories when asked.
func (w *Workspace) Write(path, content string, createDirectories bool) (*WriteResult, error) {
	abs, rel, err := w.resolveWritable(path)
	if err != nil {
		return nil, err
	}
	if abs == w.root {
		return nil, errors.Errorf(errors.ErrWrongType, "Path points to a directory, expected file")
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return nil, errors.Errorf(errors.ErrWrongType, "Path points to a directory, expected file")
	}
	if createDirectories {
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create parent directories for '%s'", path)
		}
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	if touchesIgnoreFile(abs) {
		ignores.invalidate(w.root)
	}
	return &WriteResult{Path: rel, Bytes: len(content)}, nil
}

func (w *Workspace) CreateFolder(path string) (*FolderResult, error) {
	abs, rel, err := w.resolveWritable(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create folder '%s'", path)
	}
	return &FolderResult{Path: rel, Created: true}, nil
}

// Delete removes a file or a whole directory tree. The root itself cannot be
// deleted.
func (w *Workspace) Delete(path string) (*DeleteResult, error) {
	abs, rel, err := w.resolveWritable(path)
	if err != nil {
		return nil, err
	}
	if abs == w.root {
		return nil, errors.Errorf(errors.ErrPathConfinement, "Refusing to delete the workspace root")
	}
	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return nil, errors.Errorf(errors.ErrNotFound, "Path not found: %s", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat '%s'", path)
	}
	if info.IsDir() {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to delete '%s'", path)
	}
	if touchesIgnoreFile(abs) {
		ignores.invalidate(w.root)
	}
	return &DeleteResult{Path: rel, Deleted: true}, nil
}

// Rename moves oldPath to newPath; both ends are confined to the root.
func (w *Workspace) Rename(oldPath, newPath string) (*RenameResult, error) {
	absOld, relOld, err := w.resolveWritable(oldPath)
	if err != nil {
		return nil, err
	}
	absNew, relNew, err := w.resolveWritable(newPath)
	if err != nil {
		return nil, err
	}
	if absOld == w.root || absNew == w.root {
		return nil, errors.Errorf(errors.ErrPathConfinement, "Refusing to rename the workspace root")
	}
	if _, err := os.Lstat(absOld); os.IsNotExist(err) {
		return nil, errors.Errorf(errors.ErrNotFound, "Path not found: %s", oldPath)
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent directories for '%s'", newPath)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return nil, errors.Wrapf(err, "failed to rename '%s' to '%s'", oldPath, newPath)
	}
	if touchesIgnoreFile(absOld, absNew) {
		ignores.invalidate(w.root)
	}
	return &RenameResult{From: relOld, To: relNew}, nil
}

// Edit applies the pairs in order, each replacing the first occurrence of its
// search text in the content produced by the pairs before it. Nothing is
// written unless every pair applies.
func (w *Workspace) Edit(path string, edits []Edit) (*EditResult, error) {
	if len(edits) == 0 {
		return nil, errors.Errorf(errors.ErrInvalidArgument, "edits must not be empty")
	}
	for i, e := range edits {
		if e.Search == "" {
			return nil, errors.Errorf(errors.ErrInvalidArgument, "edit %d is missing its search text", i+1)
		}
	}

	abs, rel, err := w.resolveWritable(path)
	if err != nil {
		return nil, err
	}
	if err := requireFile(abs, path); err != nil {
		return nil, err
	}
	// The whole file is edited, not the bounded view Read returns.
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read file '%s'", path)
	}

	for i, e := range edits {
		pos := bytes.Index(content, []byte(e.Search))
		if pos < 0 {
			return nil, errors.Errorf(errors.ErrEditNotApplied, "edit %d: search text not found in '%s'; check that it matches the file exactly", i+1, rel)
		}
		next := make([]byte, 0, len(content)-len(e.Search)+len(e.Replace))
		next = append(next, content[:pos]...)
		next = append(next, e.Replace...)
		next = append(next, content[pos+len(e.Search):]...)
		content = next
	}

	if err := os.WriteFile(abs, content, 0644); err != nil {
		return nil, errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	if touchesIgnoreFile(abs) {
		ignores.invalidate(w.root)
	}
	return &EditResult{Status: "ok", Path: rel, Applied: len(edits)}, nil
}

func requireFile(abs, path string) error {
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return errors.Errorf(errors.ErrNotFound, "File not found: %s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to stat '%s'", path)
	}
	if info.IsDir() {
		return errors.Errorf(errors.ErrWrongType, "Path points to a directory, expected file")
	}
	return nil
}

func requireDir(abs, path string) error {
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return errors.Errorf(errors.ErrNotFound, "Path does not exist: %s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to stat '%s'", path)
	}
	if !info.IsDir() {
		return errors.Errorf(errors.ErrWrongType, "Path points to a file, expected directory")
	}
	return nil
}
