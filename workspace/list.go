package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/aichat/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
)

const (
	EntryFile = "file"
	EntryDir  = "dir"
)

// Entry is one listed path. Size is set for files only.
type Entry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Preview string `json:"preview"`
}

type SearchResult struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

type Structure struct {
	Root            string       `json:"root"`
	Entries         []Entry      `json:"entries"`
	EntryCandidates []string     `json:"entry_candidates"`
	Files           []ReadResult `json:"files,omitempty"`
}

var errStopWalk = errors.New("stop walk")

// walk visits every visible, non-ignored entry below path depth-first with
// siblings in lexical order. Ignored directories are not descended into.
func (w *Workspace) walk(path string, fn func(abs string, e Entry) error) error {
	base, _, err := w.resolveVisible(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(base)
	if os.IsNotExist(err) {
		return errors.Errorf(errors.ErrNotFound, "Path does not exist: %s", path)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to stat '%s'", path)
	}
	rules := ignores.rules(w.root)

	if !info.IsDir() {
		rel := w.Rel(base)
		if isIgnored(rel, rules) {
			return nil
		}
		if err := fn(base, Entry{Path: rel, Type: EntryFile, Size: info.Size()}); !errors.Is(err, errStopWalk) {
			return err
		}
		return nil
	}

	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == base {
				return err
			}
			logrus.WithError(err).WithField("path", p).Debug("skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == base {
			return nil
		}
		rel := w.Rel(p)
		if isIgnored(rel, rules) || w.isHidden(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return fn(p, Entry{Path: rel, Type: EntryDir})
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(p, Entry{Path: rel, Type: EntryFile, Size: fi.Size()})
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return errors.Wrapf(err, "failed to list '%s'", path)
}

// List returns every visible entry below path. An unchanged tree always
// lists identically.
func (w *Workspace) List(path string) ([]Entry, error) {
	entries := []Entry{}
	err := w.walk(path, func(_ string, e Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Search finds lines containing query, compared case-insensitively as plain
// text, and stops walking once the result cap is reached.
func (w *Workspace) Search(query, path string) (*SearchResult, error) {
	if query == "" {
		return nil, errors.Errorf(errors.ErrInvalidArgument, "Query is required")
	}
	fold := cases.Fold()
	needle := fold.String(query)
	res := &SearchResult{Query: query, Results: []SearchHit{}}

	err := w.walk(path, func(abs string, e Entry) error {
		if e.Type != EntryFile {
			return nil
		}
		data, err := w.Read(e.Path)
		if err != nil {
			return nil
		}
		n := 0
		for line := range strings.Lines(data.Content) {
			n++
			if !strings.Contains(fold.String(line), needle) {
				continue
			}
			res.Results = append(res.Results, SearchHit{Path: e.Path, Line: n, Preview: strings.TrimSpace(line)})
			if len(res.Results) >= w.opts.MaxSearchResults {
				return errStopWalk
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

var entryPriority = []string{
	"index.html",
	"public/index.html",
	"src/index.html",
	"main.html",
	"main.py",
	"app.py",
	"server.py",
	"app.jsx",
	"app.tsx",
	"src/App.jsx",
	"src/main.jsx",
	"src/main.tsx",
}

// entryCandidates picks likely entry points in priority order, falling back
// to the first file.
func entryCandidates(files []string) []string {
	candidates := []string{}
	seen := map[string]bool{}
	for _, target := range entryPriority {
		target = strings.ToLower(target)
		for _, f := range files {
			if strings.HasSuffix(strings.ToLower(f), target) {
				if !seen[f] {
					seen[f] = true
					candidates = append(candidates, f)
				}
				break
			}
		}
	}
	if len(candidates) == 0 && len(files) > 0 {
		candidates = append(candidates, files[0])
	}
	return candidates
}

// Structure summarizes the whole project, optionally with the bounded content
// of every file.
func (w *Workspace) Structure(includeContent bool) (*Structure, error) {
	entries, err := w.List(".")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type == EntryFile {
			files = append(files, e.Path)
		}
	}
	s := &Structure{Root: w.root, Entries: entries, EntryCandidates: entryCandidates(files)}
	if includeContent {
		s.Files = []ReadResult{}
		for _, f := range files {
			data, err := w.Read(f)
			if err != nil {
				continue
			}
			s.Files = append(s.Files, *data)
		}
	}
	return s, nil
}
