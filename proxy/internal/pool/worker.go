package pool

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/interceptd/interceptd/proxy/internal/netx"
)

// Handler drives one accepted connection to completion.
type Handler interface {
	ServeConn(ctx context.Context, c *netx.Conn)
}

// worker owns the connections handed to it: it hosts the event loop that
// multiplexes its inbox, work-unit completions and timers, and it tracks
// every live work unit by an opaque handle.
type worker struct {
	id      int
	handler Handler
	cfg     *Config
	log     *slog.Logger

	// inbox carries accepted connections from the acceptor; depth 1, so a
	// busy worker briefly blocks the acceptor (load shedding).
	inbox chan net.Conn

	units      map[uint64]*workUnit
	nextHandle uint64
	unitDone   chan uint64
	timers     timerQueue

	done chan struct{}
}

// workUnit pairs a live connection with its handle and cancel hook. The
// worker's handle table is the single source of truth for liveness.
type workUnit struct {
	handle uint64
	conn   *netx.Conn
	cancel context.CancelFunc
}

func newWorker(id int, cfg *Config, handler Handler) *worker {
	return &worker{
		id:       id,
		handler:  handler,
		cfg:      cfg,
		log:      slog.Default().With("in", "Proxy.pool.worker", "worker", id),
		inbox:    make(chan net.Conn, 1),
		units:    make(map[uint64]*workUnit),
		unitDone: make(chan uint64, 64),
		done:     make(chan struct{}),
	}
}

// run is the worker event loop. It exits once the inbox is closed and every
// in-flight work unit has terminated or the grace deadline has passed.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker crashed", "panic", r)
		}
	}()

	// Units outlive the serve context so that a drain gives them the grace
	// window; cancelAll ends them at the grace deadline.
	ctx, cancelAll := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelAll()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	draining := false
	for {
		if draining && len(w.units) == 0 {
			return
		}

		w.armTimer(timer)
		if draining {
			select {
			case handle := <-w.unitDone:
				w.detach(handle)
			case <-timer.C:
				w.timers.runExpired(time.Now())
			}
			continue
		}

		select {
		case c, ok := <-w.inbox:
			if !ok {
				draining = true
				w.beginDrain(cancelAll)
				continue
			}
			w.attach(ctx, c)
		case handle := <-w.unitDone:
			w.detach(handle)
		case <-timer.C:
			w.timers.runExpired(time.Now())
		}
	}
}

func (w *worker) armTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if at, ok := w.timers.next(); ok {
		timer.Reset(time.Until(at))
	} else {
		timer.Reset(time.Hour)
	}
}

// attach registers an accepted connection as a work unit and starts its
// protocol handler.
func (w *worker) attach(ctx context.Context, c net.Conn) {
	wc := netx.Wrap(c, w.cfg.ClientRecvbuf, w.cfg.ClientRecvbuf)
	unitCtx, cancel := context.WithCancel(ctx)

	w.nextHandle++
	handle := w.nextHandle
	w.units[handle] = &workUnit{handle: handle, conn: wc, cancel: cancel}

	go func() {
		defer cancel()
		w.handler.ServeConn(unitCtx, wc)
		wc.Close()
		w.unitDone <- handle
	}()
}

func (w *worker) detach(handle uint64) {
	if u, ok := w.units[handle]; ok {
		u.cancel()
		delete(w.units, handle)
	}
}

// beginDrain starts shutdown: idle units are closed immediately, in-flight
// ones get the grace window, after which every remaining connection is
// force-closed.
func (w *worker) beginDrain(cancelAll context.CancelFunc) {
	for _, u := range w.units {
		if time.Since(u.conn.IdleSince()) >= time.Second {
			u.conn.Close()
		}
	}
	w.timers.schedule(time.Now().Add(w.cfg.GraceTimeout), func() {
		w.log.Debug("grace deadline reached, force closing", "units", len(w.units))
		cancelAll()
		for _, u := range w.units {
			u.conn.Close()
		}
	})
}
