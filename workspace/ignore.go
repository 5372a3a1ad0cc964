package workspace

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// IgnoreFile holds the simplified prefix rules applied to list and search.
const IgnoreFile = ".gitignore"

type ignoreEntry struct {
	modTime time.Time
	size    int64
	rules   []string
}

// ignoreCache keeps parsed rules per root. Writes through the workspace
// invalidate it synchronously; the stat comparison catches edits made by
// other processes.
type ignoreCache struct {
	mu      sync.Mutex
	entries map[string]ignoreEntry
}

var ignores = &ignoreCache{entries: map[string]ignoreEntry{}}

func (c *ignoreCache) rules(root string) []string {
	path := filepath.Join(root, IgnoreFile)
	info, statErr := os.Stat(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[root]; ok {
		if statErr != nil && e.modTime.IsZero() {
			return e.rules
		}
		if statErr == nil && e.modTime.Equal(info.ModTime()) && e.size == info.Size() {
			return e.rules
		}
	}

	e := ignoreEntry{}
	if statErr == nil && !info.IsDir() {
		e.modTime = info.ModTime()
		e.size = info.Size()
		e.rules = parseIgnoreFile(path)
	}
	logrus.WithFields(logrus.Fields{"root": root, "rules": len(e.rules)}).Debug("loaded ignore rules")
	c.entries[root] = e
	return e.rules
}

func (c *ignoreCache) invalidate(root string) {
	c.mu.Lock()
	delete(c.entries, root)
	c.mu.Unlock()
}

func parseIgnoreFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Warn("could not read ignore file")
		return nil
	}
	defer f.Close()

	var rules []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if rule := parseIgnoreLine(scanner.Text()); rule != "" {
			rules = append(rules, rule)
		}
	}
	return rules
}

// parseIgnoreLine reduces one line to a prefix rule. Comments, blank lines
// and rules that collapse to nothing yield "".
func parseIgnoreLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	for strings.HasPrefix(line, "./") {
		line = line[2:]
	}
	line = strings.TrimLeft(line, "/")
	return strings.TrimRight(line, "/")
}

func isIgnored(rel string, rules []string) bool {
	for _, rule := range rules {
		if rel == rule || strings.HasPrefix(rel, rule+"/") {
			return true
		}
	}
	return false
}

func touchesIgnoreFile(paths ...string) bool {
	for _, p := range paths {
		if filepath.Base(p) == IgnoreFile {
			return true
		}
	}
	return false
}
