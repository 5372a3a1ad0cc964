package errors

import (
	"fmt"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestWrapfNil(t *testing.T) {
	assert.NilError(t, Wrapf(nil, "ignored"))
}

func TestNewCarriesLocation(t *testing.T) {
	err := New("boom %d", 1)
	assert.Assert(t, strings.HasPrefix(err.Error(), "[errors_test.go:"), err.Error())
	assert.Equal(t, Message(err), "boom 1")
}

func TestMessageStripsNestedLocations(t *testing.T) {
	err := Wrapf(Wrapf(New("inner"), "middle"), "outer")
	assert.Equal(t, Message(err), "outer: middle: inner")
}

func TestErrorfKind(t *testing.T) {
	err := Errorf(ErrPathConfinement, "absolute path access is not allowed")
	assert.Equal(t, err.Error(), "absolute path access is not allowed")
	assert.Assert(t, Is(err, ErrPathConfinement))
	assert.Assert(t, !Is(err, ErrNotFound))

	wrapped := fmt.Errorf("read: %w", Wrapf(err, "resolve"))
	assert.Assert(t, Is(wrapped, ErrPathConfinement))
}
