package helper_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/internal/helper"
)

func TestMatchHost(t *testing.T) {
	c := qt.New(t)

	patterns := []string{"*.example.com", "exact.test", "10.0.?.1"}

	c.Assert(helper.MatchHost("www.example.com", patterns), qt.IsTrue)
	c.Assert(helper.MatchHost("www.example.com:443", patterns), qt.IsTrue)
	c.Assert(helper.MatchHost("WWW.Example.COM", patterns), qt.IsTrue)
	c.Assert(helper.MatchHost("exact.test:8443", patterns), qt.IsTrue)
	c.Assert(helper.MatchHost("10.0.3.1", patterns), qt.IsTrue)
	c.Assert(helper.MatchHost("example.com", patterns), qt.IsFalse)
	c.Assert(helper.MatchHost("other.test", patterns), qt.IsFalse)
	c.Assert(helper.MatchHost("anything", nil), qt.IsFalse)
}
