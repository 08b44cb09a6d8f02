// Package pool implements the accept side of the proxy: bind the listening
// socket, spawn N workers, and distribute accepted connections across their
// inboxes round-robin.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Config configures the acceptor pool.
type Config struct {
	Addr                     string
	Backlog                  int
	NumWorkers               int
	MaxConcurrentConnections int
	ClientRecvbuf            int
	GraceTimeout             time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Backlog <= 0 {
		cfg.Backlog = 128
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	return cfg
}

// Stats counts pool activity.
type Stats struct {
	Accepted  atomic.Int64
	Dispatch  atomic.Int64
	Restarted atomic.Int64
}

// Pool is the acceptor plus its workers.
type Pool struct {
	cfg     Config
	handler Handler
	log     *slog.Logger

	ln      net.Listener
	workers []*worker
	next    int

	Stats Stats

	mu      sync.Mutex
	stopped bool
}

// New creates a Pool serving connections with handler.
func New(cfg Config, handler Handler) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		handler: handler,
		log:     slog.Default().With("in", "Proxy.pool"),
	}
}

// Listen binds the listening socket. Callers treat an error here as a bind
// failure (exit code 2).
func (p *Pool) Listen() error {
	ln, err := listen(p.cfg.Addr, p.cfg.Backlog, p.cfg.MaxConcurrentConnections)
	if err != nil {
		return err
	}
	p.ln = ln
	p.log.Info("proxy listening", "addr", ln.Addr().String(), "workers", p.cfg.NumWorkers)
	return nil
}

// Addr returns the bound listener address.
func (p *Pool) Addr() net.Addr {
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Serve runs the accept loop until the context is canceled or the listener
// closes. The acceptor does no protocol work: it only picks the next worker
// round-robin and hands over the connection.
func (p *Pool) Serve(ctx context.Context) error {
	if p.ln == nil {
		if err := p.Listen(); err != nil {
			return err
		}
	}

	p.workers = make([]*worker, p.cfg.NumWorkers)
	for i := range p.workers {
		p.workers[i] = newWorker(i, &p.cfg, p.handler)
		go p.workers[i].run(ctx)
	}

	go func() {
		<-ctx.Done()
		p.ln.Close()
	}()

	for {
		c, err := p.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				p.shutdownWorkers()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			p.shutdownWorkers()
			return err
		}
		p.Stats.Accepted.Add(1)
		p.dispatch(ctx, c)
	}
}

// dispatch hands c to the next live worker. A dead worker's slot is skipped
// and the worker restarted; a full inbox blocks briefly, which is the
// load-shedding mechanism.
func (p *Pool) dispatch(ctx context.Context, c net.Conn) {
	for attempts := 0; attempts < len(p.workers); attempts++ {
		i := p.next % len(p.workers)
		p.next++
		w := p.workers[i]

		select {
		case <-w.done:
			// supervisor: restart the dead worker, skip its slot this round
			p.Stats.Restarted.Add(1)
			p.log.Warn("restarting dead worker", "worker", w.id)
			p.workers[i] = newWorker(w.id, &p.cfg, p.handler)
			go p.workers[i].run(ctx)
			continue
		default:
		}

		select {
		case w.inbox <- c:
			p.Stats.Dispatch.Add(1)
			return
		case <-w.done:
			continue
		case <-ctx.Done():
			c.Close()
			return
		}
	}
	p.log.Warn("no live worker available, dropping connection")
	c.Close()
}

// shutdownWorkers closes every inbox and waits for the workers to drain.
func (p *Pool) shutdownWorkers() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	for _, w := range p.workers {
		close(w.inbox)
	}
	for _, w := range p.workers {
		<-w.done
	}
}

// Close force-closes the listener.
func (p *Pool) Close() error {
	if p.ln != nil {
		return p.ln.Close()
	}
	return nil
}
