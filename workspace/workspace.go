package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/aichat/config"
	"github.com/m4xw311/aichat/errors"
)

// Options tune a bound workspace. Zero values fall back to the defaults in
// the config package.
type Options struct {
	MaxReadBytes     int64
	MaxSearchResults int
	// Hidden paths are invisible to every operation, ReadOnly paths reject
	// mutation. Both are doublestar globs over root-relative slash paths.
	Hidden   []string
	ReadOnly []string
}

// OptionsFromConfig derives workspace options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	maxRead, err := cfg.MaxReadBytes()
	if err != nil {
		return Options{}, err
	}
	return Options{
		MaxReadBytes:     maxRead,
		MaxSearchResults: cfg.MaxSearchResults(),
		Hidden:           cfg.FilesystemAccess.Hidden,
		ReadOnly:         cfg.FilesystemAccess.ReadOnly,
	}, nil
}

// Workspace is a bound project root. Every path handed to its methods is
// relative to the root and confined to it.
type Workspace struct {
	root string
	opts Options
}

// Bind validates root and returns a workspace for it. The root must be
// absolute; it is created when missing and rejected when it is not a
// directory.
func Bind(root string, opts Options) (*Workspace, error) {
	if root == "" {
		return nil, errors.Errorf(errors.ErrNotBound, "Workspace root path is required")
	}
	if root == "~" || strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrapf(err, "could not expand home directory")
		}
		root = filepath.Join(home, root[1:])
	}
	if !filepath.IsAbs(root) {
		return nil, errors.Errorf(errors.ErrNotBound, "Workspace root must be an absolute path on the server")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0755); err != nil {
		info, statErr := os.Stat(root)
		if statErr == nil && !info.IsDir() {
			return nil, errors.Errorf(errors.ErrNotBound, "Workspace root is not a directory: %s", root)
		}
		return nil, errors.Wrapf(err, "could not create workspace root %s", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "could not stat workspace root %s", root)
	}
	if !info.IsDir() {
		return nil, errors.Errorf(errors.ErrNotBound, "Workspace root is not a directory: %s", root)
	}

	for _, p := range append(append([]string{}, opts.Hidden...), opts.ReadOnly...) {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.Errorf(errors.ErrInvalidArgument, "invalid glob pattern '%s'", p)
		}
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = config.DefaultMaxReadBytes
	}
	if opts.MaxSearchResults <= 0 {
		opts.MaxSearchResults = config.DefaultMaxSearchResults
	}
	return &Workspace{root: root, opts: opts}, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) MaxReadBytes() int64 { return w.opts.MaxReadBytes }

// DataDir returns the project's .aichat directory, creating it on request.
func (w *Workspace) DataDir(create bool) (string, error) {
	dir := filepath.Join(w.root, config.DirName)
	if create {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", errors.Wrapf(err, "could not create project data directory")
		}
	}
	return dir, nil
}

type ctxKey struct{}

// NewContext returns a context carrying ws. Sandbox users look the root up
// with FromContext, so concurrent requests bound to different roots never
// share state.
func NewContext(ctx context.Context, ws *Workspace) context.Context {
	return context.WithValue(ctx, ctxKey{}, ws)
}

// FromContext returns the workspace bound to ctx.
func FromContext(ctx context.Context) (*Workspace, error) {
	if ws, ok := ctx.Value(ctxKey{}).(*Workspace); ok && ws != nil {
		return ws, nil
	}
	return nil, errNotBound()
}

func errNotBound() error {
	return errors.Errorf(errors.ErrNotBound, "Workspace root is not bound. Please select a project folder first.")
}

// Binding holds a rebindable process-lifetime root. Front-ends attach the
// current workspace to each request's context with Context.
type Binding struct {
	mu   sync.RWMutex
	ws   *Workspace
	opts Options
}

func NewBinding(opts Options) *Binding {
	return &Binding{opts: opts}
}

// Bind replaces the bound root and makes sure its data directory exists.
func (b *Binding) Bind(root string) (*Workspace, error) {
	ws, err := Bind(root, b.opts)
	if err != nil {
		return nil, err
	}
	if _, err := ws.DataDir(true); err != nil {
		return nil, err
	}
	ignores.invalidate(ws.root)

	b.mu.Lock()
	b.ws = ws
	b.mu.Unlock()
	return ws, nil
}

func (b *Binding) Unbind() {
	b.mu.Lock()
	b.ws = nil
	b.mu.Unlock()
}

func (b *Binding) Current() (*Workspace, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ws == nil {
		return nil, errNotBound()
	}
	return b.ws, nil
}

// Context attaches the currently bound workspace to ctx. A context that
// already carries a request-scoped workspace keeps it.
func (b *Binding) Context(ctx context.Context) context.Context {
	if _, err := FromContext(ctx); err == nil {
		return ctx
	}
	if ws, err := b.Current(); err == nil {
		return NewContext(ctx, ws)
	}
	return ctx
}
