package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
)

// Kinds of failure callers branch on. Match them with Is.
var (
	ErrNotBound        = stderrors.New("workspace root is not bound")
	ErrPathConfinement = stderrors.New("path outside workspace root")
	ErrNotFound        = stderrors.New("not found")
	ErrWrongType       = stderrors.New("wrong file type")
	ErrEditNotApplied  = stderrors.New("edit not applied")
	ErrInvalidMode     = stderrors.New("invalid mode")
	ErrInvalidArgument = stderrors.New("invalid argument")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// Errorf returns an error of the given kind. The message is shown to users
// as-is, so it carries no location prefix.
func Errorf(kind error, format string, a ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, a...)}
}

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

var locationTag = regexp.MustCompile(`\[[^\[\]\s]+\.go:\d+\] `)

// Message renders err without the [file:line] tags added by New and Wrapf.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return locationTag.ReplaceAllString(err.Error(), "")
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
