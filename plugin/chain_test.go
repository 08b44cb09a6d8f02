package plugin_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/interceptd/interceptd/plugin"
	"github.com/interceptd/interceptd/internal/httpmsg"
)

func newCtx() *plugin.Context {
	req := &httpmsg.Message{Method: "GET", Target: "/", Proto: "HTTP/1.1"}
	return &plugin.Context{Request: req, ClientAddr: "127.0.0.1:5000"}
}

func TestChainOrderAndShortCircuit(t *testing.T) {
	c := qt.New(t)

	var calls []string
	chain := plugin.NewChain([]plugin.Constructor{
		func() plugin.Hooks {
			return plugin.Hooks{Name: "first", OnClientRequest: func(*plugin.Context) plugin.Result {
				calls = append(calls, "first")
				return plugin.Continue
			}}
		},
		func() plugin.Hooks {
			return plugin.Hooks{Name: "second", OnClientRequest: func(*plugin.Context) plugin.Result {
				calls = append(calls, "second")
				return plugin.Respond(&plugin.Response{StatusCode: 403})
			}}
		},
		func() plugin.Hooks {
			return plugin.Hooks{Name: "third", OnClientRequest: func(*plugin.Context) plugin.Result {
				calls = append(calls, "third")
				return plugin.Continue
			}}
		},
	})

	res := chain.OnClientRequest(newCtx())
	c.Assert(res.Action, qt.Equals, plugin.ActionRespond)
	c.Assert(res.Response.StatusCode, qt.Equals, 403)
	c.Assert(calls, qt.DeepEquals, []string{"first", "second"})
}

func TestChainRewrite(t *testing.T) {
	c := qt.New(t)

	chain := plugin.NewChain([]plugin.Constructor{
		func() plugin.Hooks {
			return plugin.Hooks{OnClientRequest: func(ctx *plugin.Context) plugin.Result {
				ctx.Request.Header.Set("X-Seen", "1")
				return plugin.Continue
			}}
		},
	})

	ctx := newCtx()
	res := chain.OnClientRequest(ctx)
	c.Assert(res.Action, qt.Equals, plugin.ActionContinue)
	c.Assert(ctx.Request.Header.Get("X-Seen"), qt.Equals, "1")
}

func TestPanicFailOpenOnClientRequest(t *testing.T) {
	c := qt.New(t)

	reached := false
	chain := plugin.NewChain([]plugin.Constructor{
		func() plugin.Hooks {
			return plugin.Hooks{Name: "boom", OnClientRequest: func(*plugin.Context) plugin.Result {
				panic("boom")
			}}
		},
		func() plugin.Hooks {
			return plugin.Hooks{OnClientRequest: func(*plugin.Context) plugin.Result {
				reached = true
				return plugin.Continue
			}}
		},
	})

	res := chain.OnClientRequest(newCtx())
	c.Assert(res.Action, qt.Equals, plugin.ActionContinue)
	c.Assert(reached, qt.IsTrue)
}

func TestPanicFailClosedBeforeUpstream(t *testing.T) {
	c := qt.New(t)

	chain := plugin.NewChain([]plugin.Constructor{
		func() plugin.Hooks {
			return plugin.Hooks{Name: "boom", BeforeUpstreamConnection: func(*plugin.Context) plugin.Result {
				panic("boom")
			}}
		},
	})

	res := chain.BeforeUpstreamConnection(newCtx())
	c.Assert(res.Action, qt.Equals, plugin.ActionReject)
}

func TestOnResponseChunkOrderAndPanic(t *testing.T) {
	c := qt.New(t)

	chain := plugin.NewChain([]plugin.Constructor{
		func() plugin.Hooks {
			return plugin.Hooks{OnResponseChunk: func(_ *plugin.Context, b []byte) []byte {
				return append(b, 'a')
			}}
		},
		func() plugin.Hooks {
			return plugin.Hooks{Name: "boom", OnResponseChunk: func(*plugin.Context, []byte) []byte {
				panic("boom")
			}}
		},
		func() plugin.Hooks {
			return plugin.Hooks{OnResponseChunk: func(_ *plugin.Context, b []byte) []byte {
				return append(b, 'b')
			}}
		},
	})

	out := chain.OnResponseChunk(newCtx(), []byte("x"))
	c.Assert(string(out), qt.Equals, "xab")
}

func TestOnAccessLogHandled(t *testing.T) {
	c := qt.New(t)

	secondCalled := false
	chain := plugin.NewChain([]plugin.Constructor{
		func() plugin.Hooks {
			return plugin.Hooks{OnAccessLog: func(*plugin.Context, *plugin.AccessRecord) bool {
				return true
			}}
		},
		func() plugin.Hooks {
			return plugin.Hooks{OnAccessLog: func(*plugin.Context, *plugin.AccessRecord) bool {
				secondCalled = true
				return false
			}}
		},
	})

	handled := chain.OnAccessLog(newCtx(), &plugin.AccessRecord{})
	c.Assert(handled, qt.IsTrue)
	c.Assert(secondCalled, qt.IsFalse)
}

func TestEmptyChainFastPath(t *testing.T) {
	c := qt.New(t)

	chain := plugin.NewChain(nil)
	c.Assert(chain.Empty(), qt.IsTrue)
	c.Assert(chain.OnClientRequest(newCtx()).Action, qt.Equals, plugin.ActionContinue)
	c.Assert(chain.BeforeUpstreamConnection(newCtx()).Action, qt.Equals, plugin.ActionContinue)
	c.Assert(string(chain.OnResponseChunk(newCtx(), []byte("x"))), qt.Equals, "x")
	c.Assert(chain.OnAccessLog(newCtx(), &plugin.AccessRecord{}), qt.IsFalse)
}
