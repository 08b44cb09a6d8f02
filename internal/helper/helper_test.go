package helper_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/internal/helper"
)

func TestCanonicalAddr(t *testing.T) {
	c := qt.New(t)
	c.Assert(helper.CanonicalAddr("example.test", "http"), qt.Equals, "example.test:80")
	c.Assert(helper.CanonicalAddr("example.test", "https"), qt.Equals, "example.test:443")
	c.Assert(helper.CanonicalAddr("example.test:8080", "http"), qt.Equals, "example.test:8080")
	c.Assert(helper.CanonicalAddr("EXAMPLE.test:443", "https"), qt.Equals, "example.test:443")
}

func TestHostOnly(t *testing.T) {
	c := qt.New(t)
	c.Assert(helper.HostOnly("example.test:443"), qt.Equals, "example.test")
	c.Assert(helper.HostOnly("Example.Test"), qt.Equals, "example.test")
}

func TestIsTLS(t *testing.T) {
	c := qt.New(t)
	c.Assert(helper.IsTLS([]byte{0x16, 0x03, 0x01}), qt.IsTrue)
	c.Assert(helper.IsTLS([]byte{0x16, 0x03, 0x04}), qt.IsFalse)
	c.Assert(helper.IsTLS([]byte("GET")), qt.IsFalse)
	c.Assert(helper.IsTLS([]byte{0x16}), qt.IsFalse)
}
