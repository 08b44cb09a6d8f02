package version_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/version"
)

func TestString(t *testing.T) {
	c := qt.New(t)
	s := version.String()
	c.Assert(s, qt.Contains, version.Version)
	c.Assert(s, qt.Contains, version.Commit)
}
