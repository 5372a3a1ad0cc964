package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4xw311/aichat/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"
)

func bindTemp(t *testing.T, opts Options, ops ...fs.PathOp) *Workspace {
	t.Helper()
	dir := fs.NewDir(t, "workspace", ops...)
	ws, err := Bind(dir.Path(), opts)
	assert.NilError(t, err)
	return ws
}

func TestBind(t *testing.T) {
	_, err := Bind("relative/dir", Options{})
	assert.Assert(t, errors.Is(err, errors.ErrNotBound))

	missing := filepath.Join(t.TempDir(), "new", "root")
	ws, err := Bind(missing, Options{})
	assert.NilError(t, err)
	info, err := os.Stat(ws.Root())
	assert.NilError(t, err)
	assert.Assert(t, info.IsDir())

	file := filepath.Join(t.TempDir(), "plain")
	assert.NilError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Bind(file, Options{})
	assert.Assert(t, errors.Is(err, errors.ErrNotBound))

	_, err = Bind(t.TempDir(), Options{Hidden: []string{"[unclosed"}})
	assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestContextBinding(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.Assert(t, errors.Is(err, errors.ErrNotBound))

	ws := bindTemp(t, Options{})
	got, err := FromContext(NewContext(context.Background(), ws))
	assert.NilError(t, err)
	assert.Equal(t, got.Root(), ws.Root())

	b := NewBinding(Options{})
	_, err = b.Current()
	assert.Assert(t, errors.Is(err, errors.ErrNotBound))

	bound, err := b.Bind(t.TempDir())
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(bound.Root(), ".aichat"))
	assert.NilError(t, err)

	// A request-scoped workspace wins over the process binding.
	ctx := b.Context(NewContext(context.Background(), ws))
	got, err = FromContext(ctx)
	assert.NilError(t, err)
	assert.Equal(t, got.Root(), ws.Root())

	b.Unbind()
	_, err = FromContext(b.Context(context.Background()))
	assert.Assert(t, errors.Is(err, errors.ErrNotBound))
}

func TestPathConfinement(t *testing.T) {
	parent := t.TempDir()
	ws, err := Bind(filepath.Join(parent, "root"), Options{})
	assert.NilError(t, err)
	outside := filepath.Join(parent, "outside.txt")

	for _, p := range []string{"../outside.txt", "..", "a/../../outside.txt", outside, "/etc/passwd"} {
		t.Run(p, func(t *testing.T) {
			_, err := ws.Resolve(p)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement), err)

			_, err = ws.Write(p, "x", true)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
			_, err = ws.Read(p)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
			_, err = ws.CreateFolder(p)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
			_, err = ws.Delete(p)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
			_, err = ws.Rename("a.txt", p)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
			_, err = ws.List(p)
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
			_, err = ws.Edit(p, []Edit{{Search: "a", Replace: "b"}})
			assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
		})
	}

	_, err = os.Stat(outside)
	assert.Assert(t, os.IsNotExist(err))

	// Lexically clean paths that stay inside are fine.
	abs, err := ws.Resolve("a/../b.txt")
	assert.NilError(t, err)
	assert.Equal(t, abs, filepath.Join(ws.Root(), "b.txt"))
	abs, err = ws.Resolve("")
	assert.NilError(t, err)
	assert.Equal(t, abs, ws.Root())
}

func TestSymlinkStaysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	ws, err := Bind(filepath.Join(parent, "root"), Options{})
	assert.NilError(t, err)
	assert.NilError(t, os.Symlink(parent, filepath.Join(ws.Root(), "escape")))

	abs, err := ws.Resolve("escape/secret.txt")
	assert.NilError(t, err)
	assert.Assert(t, strings.HasPrefix(abs, ws.Root()+string(filepath.Separator)), abs)
}

func TestReadTruncatesAndReplacesInvalidUTF8(t *testing.T) {
	ws := bindTemp(t, Options{MaxReadBytes: 4},
		fs.WithFile("long.txt", "abcdefgh"),
		fs.WithFile("bad.txt", "ok\xff\xfeok"),
	)

	res, err := ws.Read("long.txt")
	assert.NilError(t, err)
	assert.Equal(t, res.Content, "abcd")
	assert.Assert(t, res.Truncated)

	ws.opts.MaxReadBytes = 100
	res, err = ws.Read("bad.txt")
	assert.NilError(t, err)
	assert.Assert(t, !res.Truncated)
	assert.Equal(t, res.Content, "ok\uFFFD\uFFFDok")

	_, err = ws.Read("missing.txt")
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))
	_, err = ws.Read(".")
	assert.Assert(t, errors.Is(err, errors.ErrWrongType))
}

func TestWriteCreateDeleteRename(t *testing.T) {
	ws := bindTemp(t, Options{})

	res, err := ws.Write("a/b/c.txt", "hello", true)
	assert.NilError(t, err)
	assert.DeepEqual(t, *res, WriteResult{Path: "a/b/c.txt", Bytes: 5})

	_, err = ws.Write("x/y.txt", "hello", false)
	assert.ErrorContains(t, err, "failed to write")

	_, err = ws.Write("a", "dir", true)
	assert.Assert(t, errors.Is(err, errors.ErrWrongType))

	folder, err := ws.CreateFolder("empty/nested")
	assert.NilError(t, err)
	assert.Equal(t, folder.Path, "empty/nested")

	moved, err := ws.Rename("a/b/c.txt", "d/c.txt")
	assert.NilError(t, err)
	assert.DeepEqual(t, *moved, RenameResult{From: "a/b/c.txt", To: "d/c.txt"})
	data, err := ws.Read("d/c.txt")
	assert.NilError(t, err)
	assert.Equal(t, data.Content, "hello")

	_, err = ws.Rename("nope.txt", "other.txt")
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))

	_, err = ws.Delete("a")
	assert.NilError(t, err)
	_, err = os.Stat(filepath.Join(ws.Root(), "a"))
	assert.Assert(t, os.IsNotExist(err))

	_, err = ws.Delete("a")
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))
	_, err = ws.Delete(".")
	assert.Assert(t, errors.Is(err, errors.ErrPathConfinement))
}

func TestHiddenAndReadOnly(t *testing.T) {
	ws := bindTemp(t, Options{Hidden: []string{".aichat", ".aichat/**"}, ReadOnly: []string{"vendor/**"}},
		fs.WithDir(".aichat", fs.WithFile("sessions.json", "{}")),
		fs.WithDir("vendor", fs.WithFile("lib.go", "package lib")),
		fs.WithFile("main.go", "package main"),
	)

	_, err := ws.Read(".aichat/sessions.json")
	assert.ErrorContains(t, err, "is hidden")
	_, err = ws.Write("vendor/lib.go", "changed", true)
	assert.ErrorContains(t, err, "is read-only")

	data, err := ws.Read("vendor/lib.go")
	assert.NilError(t, err)
	assert.Equal(t, data.Content, "package lib")

	entries, err := ws.List(".")
	assert.NilError(t, err)
	assert.DeepEqual(t, entries, []Entry{
		{Path: "main.go", Type: EntryFile, Size: 12},
		{Path: "vendor", Type: EntryDir},
		{Path: "vendor/lib.go", Type: EntryFile, Size: 11},
	})
}

func TestEditAppliesSequentially(t *testing.T) {
	ws := bindTemp(t, Options{}, fs.WithFile("f.txt", "alpha beta\n"))

	res, err := ws.Edit("f.txt", []Edit{
		{Search: "alpha", Replace: "gamma"},
		// Only present once the first edit has run.
		{Search: "gamma beta", Replace: "delta"},
	})
	assert.NilError(t, err)
	assert.DeepEqual(t, *res, EditResult{Status: "ok", Path: "f.txt", Applied: 2})

	raw, err := os.ReadFile(filepath.Join(ws.Root(), "f.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "delta\n")
}

func TestEditReplacesOnlyFirstOccurrence(t *testing.T) {
	ws := bindTemp(t, Options{}, fs.WithFile("f.txt", "x x x"))
	_, err := ws.Edit("f.txt", []Edit{{Search: "x", Replace: "y"}})
	assert.NilError(t, err)
	raw, err := os.ReadFile(filepath.Join(ws.Root(), "f.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "y x x")
}

func TestEditIsAtomic(t *testing.T) {
	ws := bindTemp(t, Options{}, fs.WithFile("f.txt", "one two three"))
	path := filepath.Join(ws.Root(), "f.txt")
	before, err := os.Stat(path)
	assert.NilError(t, err)

	_, err = ws.Edit("f.txt", []Edit{
		{Search: "one", Replace: "1"},
		{Search: "four", Replace: "4"},
	})
	assert.Assert(t, errors.Is(err, errors.ErrEditNotApplied))

	raw, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "one two three")
	after, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, after.ModTime(), before.ModTime())

	_, err = ws.Edit("f.txt", nil)
	assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument))
	_, err = ws.Edit("f.txt", []Edit{{Search: "", Replace: "x"}})
	assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestEditUsesWholeFile(t *testing.T) {
	ws := bindTemp(t, Options{MaxReadBytes: 4}, fs.WithFile("f.txt", "head tail"))
	_, err := ws.Edit("f.txt", []Edit{{Search: "tail", Replace: "end"}})
	assert.NilError(t, err)
	raw, err := os.ReadFile(filepath.Join(ws.Root(), "f.txt"))
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "head end")
}

func TestListIsDeterministic(t *testing.T) {
	ws := bindTemp(t, Options{},
		fs.WithFile("b.txt", "b"),
		fs.WithDir("a", fs.WithFile("z.txt", "zz"), fs.WithDir("sub", fs.WithFile("c.txt", ""))),
		fs.WithFile("A.txt", "A"),
	)

	first, err := ws.List(".")
	assert.NilError(t, err)
	second, err := ws.List("")
	assert.NilError(t, err)
	assert.DeepEqual(t, first, second)
	assert.DeepEqual(t, first, []Entry{
		{Path: "A.txt", Type: EntryFile, Size: 1},
		{Path: "a", Type: EntryDir},
		{Path: "a/sub", Type: EntryDir},
		{Path: "a/sub/c.txt", Type: EntryFile},
		{Path: "a/z.txt", Type: EntryFile, Size: 2},
		{Path: "b.txt", Type: EntryFile, Size: 1},
	})

	sub, err := ws.List("a/sub")
	assert.NilError(t, err)
	assert.DeepEqual(t, sub, []Entry{{Path: "a/sub/c.txt", Type: EntryFile}})

	_, err = ws.List("missing")
	assert.Assert(t, errors.Is(err, errors.ErrNotFound))
}

func TestIgnoreRulesArePrefixesNotGlobs(t *testing.T) {
	ws := bindTemp(t, Options{},
		fs.WithFile(".gitignore", "# comment\n\nbuild\n./dist/\n"),
		fs.WithDir("build", fs.WithFile("output.js", "needle")),
		fs.WithDir("builder", fs.WithFile("output.js", "needle")),
		fs.WithDir("dist", fs.WithFile("x.js", "needle")),
	)

	entries, err := ws.List(".")
	assert.NilError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.DeepEqual(t, paths, []string{".gitignore", "builder", "builder/output.js"})

	res, err := ws.Search("NEEDLE", ".")
	assert.NilError(t, err)
	assert.DeepEqual(t, res.Results, []SearchHit{{Path: "builder/output.js", Line: 1, Preview: "needle"}})
}

func TestIgnoreCacheInvalidatedOnWrite(t *testing.T) {
	ws := bindTemp(t, Options{}, fs.WithDir("build", fs.WithFile("out.js", "")))

	entries, err := ws.List(".")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 2))

	_, err = ws.Write(".gitignore", "build\n", true)
	assert.NilError(t, err)
	entries, err = ws.List(".")
	assert.NilError(t, err)
	assert.DeepEqual(t, entries, []Entry{{Path: ".gitignore", Type: EntryFile, Size: 6}})

	_, err = ws.Rename(".gitignore", "ignore.bak")
	assert.NilError(t, err)
	entries, err = ws.List(".")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 3))

	_, err = ws.Rename("ignore.bak", ".gitignore")
	assert.NilError(t, err)
	_, err = ws.Delete(".gitignore")
	assert.NilError(t, err)
	entries, err = ws.List(".")
	assert.NilError(t, err)
	assert.Assert(t, is.Len(entries, 2))
}

func TestParseIgnoreLine(t *testing.T) {
	tests := map[string]string{
		"# comment":   "",
		"   ":         "",
		"build":       "build",
		"build/":      "build",
		"./dist/":     "dist",
		"/out":        "out",
		".env":        ".env",
		"  node_mod ": "node_mod",
	}
	for in, want := range tests {
		assert.Equal(t, parseIgnoreLine(in), want, in)
	}
}

func TestSearch(t *testing.T) {
	ws := bindTemp(t, Options{MaxSearchResults: 2},
		fs.WithFile("a.txt", "Foo bar\nnothing\n  FOO baz  \n"),
		fs.WithFile("b.txt", "foo again\n"),
		fs.WithFile("regex.txt", "a.b\naxb\n"),
	)

	res, err := ws.Search("foo", ".")
	assert.NilError(t, err)
	assert.DeepEqual(t, res.Results, []SearchHit{
		{Path: "a.txt", Line: 1, Preview: "Foo bar"},
		{Path: "a.txt", Line: 3, Preview: "FOO baz"},
	})

	// The query is literal text.
	res, err = ws.Search("a.b", ".")
	assert.NilError(t, err)
	assert.DeepEqual(t, res.Results, []SearchHit{{Path: "regex.txt", Line: 1, Preview: "a.b"}})

	_, err = ws.Search("", ".")
	assert.Assert(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestStructure(t *testing.T) {
	ws := bindTemp(t, Options{},
		fs.WithDir("src", fs.WithFile("main.tsx", "render()")),
		fs.WithDir("public", fs.WithFile("index.html", "<html>")),
		fs.WithFile("server.py", "print()"),
	)

	s, err := ws.Structure(false)
	assert.NilError(t, err)
	assert.Equal(t, s.Root, ws.Root())
	assert.DeepEqual(t, s.EntryCandidates, []string{"public/index.html", "server.py", "src/main.tsx"})
	assert.Assert(t, is.Nil(s.Files))

	s, err = ws.Structure(true)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(s.Files, 3))
}

func TestEntryCandidatesFallback(t *testing.T) {
	assert.DeepEqual(t, entryCandidates([]string{"README.md", "go.mod"}), []string{"README.md"})
	assert.DeepEqual(t, entryCandidates(nil), []string{})
	assert.DeepEqual(t, entryCandidates([]string{"web/INDEX.HTML"}), []string{"web/INDEX.HTML"})
}
