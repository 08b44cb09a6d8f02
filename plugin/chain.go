package plugin

import "log/slog"

// Chain is an ordered sequence of plugin instances built once per work
// unit. The union capability mask lets hook sites skip dispatch entirely
// when no plugin implements a hook.
type Chain struct {
	hooks []Hooks
	mask  capability
}

// NewChain instantiates every constructor, in configured order.
func NewChain(constructors []Constructor) *Chain {
	c := &Chain{hooks: make([]Hooks, 0, len(constructors))}
	for _, ctor := range constructors {
		h := ctor()
		c.hooks = append(c.hooks, h)
		c.mask |= h.capabilities()
	}
	return c
}

// Empty reports whether the chain has no instances at all.
func (c *Chain) Empty() bool { return len(c.hooks) == 0 }

// recoverHook logs a hook panic; the boolean result of the enclosing call
// decides fail-open vs fail-closed.
func recoverHook(name, hook string) {
	if r := recover(); r != nil {
		slog.Error("plugin hook panicked", "plugin", name, "hook", hook, "panic", r)
	}
}

// BeforeUpstreamConnection dispatches the fail-closed pre-dial hook. The
// first terminal result short-circuits the remainder.
func (c *Chain) BeforeUpstreamConnection(ctx *Context) Result {
	if c.mask&capBeforeUpstream == 0 {
		return Continue
	}
	for i := range c.hooks {
		h := &c.hooks[i]
		if h.BeforeUpstreamConnection == nil {
			continue
		}
		res, ok := c.callGuarded(h.Name, "before_upstream_connection", h.BeforeUpstreamConnection, ctx)
		if !ok {
			return Reject
		}
		if res.Action != ActionContinue {
			return res
		}
	}
	return Continue
}

// OnClientRequest dispatches the request hook, fail-open.
func (c *Chain) OnClientRequest(ctx *Context) Result {
	if c.mask&capClientRequest == 0 {
		return Continue
	}
	for i := range c.hooks {
		h := &c.hooks[i]
		if h.OnClientRequest == nil {
			continue
		}
		res, ok := c.callGuarded(h.Name, "on_client_request", h.OnClientRequest, ctx)
		if !ok {
			continue
		}
		if res.Action != ActionContinue {
			return res
		}
	}
	return Continue
}

// callGuarded runs fn, reporting ok=false when it panicked.
func (*Chain) callGuarded(name, hook string, fn func(*Context) Result, ctx *Context) (res Result, ok bool) {
	defer recoverHook(name, hook)
	ok = false
	res = fn(ctx)
	ok = true
	return res, ok
}

// OnResponseChunk passes chunk through every observer in order; a panicking
// plugin leaves the chunk unchanged for that call.
func (c *Chain) OnResponseChunk(ctx *Context, chunk []byte) []byte {
	if c.mask&capResponseChunk == 0 {
		return chunk
	}
	for i := range c.hooks {
		h := &c.hooks[i]
		if h.OnResponseChunk == nil {
			continue
		}
		chunk = func(in []byte) (out []byte) {
			defer recoverHook(h.Name, "on_response_chunk")
			out = in
			out = h.OnResponseChunk(ctx, in)
			return out
		}(chunk)
	}
	return chunk
}

// OnClientConnectionClose notifies every plugin of connection teardown.
func (c *Chain) OnClientConnectionClose(ctx *Context) {
	if c.mask&capConnClose == 0 {
		return
	}
	for i := range c.hooks {
		h := &c.hooks[i]
		if h.OnClientConnectionClose == nil {
			continue
		}
		func() {
			defer recoverHook(h.Name, "on_client_connection_close")
			h.OnClientConnectionClose(ctx)
		}()
	}
}

// OnAccessLog offers the record to every sink until one marks it handled.
// It reports whether any plugin handled the record.
func (c *Chain) OnAccessLog(ctx *Context, rec *AccessRecord) bool {
	if c.mask&capAccessLog == 0 {
		return false
	}
	for i := range c.hooks {
		h := &c.hooks[i]
		if h.OnAccessLog == nil {
			continue
		}
		handled := func() (handled bool) {
			defer recoverHook(h.Name, "on_access_log")
			handled = h.OnAccessLog(ctx, rec)
			return handled
		}()
		if handled {
			return true
		}
	}
	return false
}
