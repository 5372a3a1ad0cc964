//go:build !unix

package session

// withDirLock only runs fn; stores on these platforms are serialized within
// the process alone.
func withDirLock(dir string, fn func() error) error {
	return fn()
}
