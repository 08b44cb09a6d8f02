package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/interceptd/interceptd/plugin"
)

// feed fans access-log records out to connected websocket clients.
type feed struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newFeed() *feed {
	return &feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (f *feed) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	f.mu.Lock()
	f.conns[c] = struct{}{}
	f.mu.Unlock()

	// drain (and discard) client messages to notice disconnects
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				f.drop(c)
				return
			}
		}
	}()
}

func (f *feed) drop(c *websocket.Conn) {
	f.mu.Lock()
	delete(f.conns, c)
	f.mu.Unlock()
	c.Close()
}

// publish sends rec to every connected client.
func (f *feed) publish(rec *plugin.AccessRecord) {
	msg, err := json.Marshal(map[string]any{
		"client":      rec.ClientAddr,
		"method":      rec.Method,
		"target":      rec.Target,
		"upstream":    rec.UpstreamHost,
		"status":      rec.StatusCode,
		"bytes":       rec.BytesOut,
		"durationMs":  rec.Duration.Milliseconds(),
		"intercepted": rec.Intercepted,
		"failure":     rec.FailureKind,
	})
	if err != nil {
		return
	}

	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.drop(c)
		}
	}
}

// AccessLogHook returns a plugin that publishes every access record to the
// websocket feed without consuming it.
func (s *Server) AccessLogHook() plugin.Constructor {
	return func() plugin.Hooks {
		return plugin.Hooks{
			Name: "webfeed",
			OnAccessLog: func(_ *plugin.Context, rec *plugin.AccessRecord) bool {
				s.feed.publish(rec)
				return false
			},
		}
	}
}
