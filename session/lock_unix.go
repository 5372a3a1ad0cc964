//go:build unix

package session

import (
	"os"

	"github.com/m4xw311/aichat/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// withDirLock runs fn holding an exclusive flock on dir.
func withDirLock(dir string, fn func() error) error {
	dirFile, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "could not open data directory")
	}
	defer dirFile.Close()
	if err := flock(dirFile, unix.LOCK_EX); err != nil {
		return errors.Wrapf(err, "failed to lock %q", dir)
	}
	defer func() {
		if err := flock(dirFile, unix.LOCK_UN); err != nil {
			logrus.WithError(err).Errorf("failed to unlock %q", dir)
		}
	}()
	return fn()
}

func flock(f *os.File, how int) error {
	fd := int(f.Fd())
	for {
		err := unix.Flock(fd, how)
		if err == nil || err != unix.EINTR {
			return err
		}
	}
}
