// Package plugins carries the built-in plugin set and the identifier
// registry the CLI uses to assemble the configured chain.
package plugins

import (
	"log/slog"

	"github.com/interceptd/interceptd/plugin"
)

// AccessLog returns the default access-log sink: one slog line per
// connection, mirroring the proxy access-log format.
func AccessLog() plugin.Constructor {
	return func() plugin.Hooks {
		return plugin.Hooks{
			Name: "accesslog",
			OnAccessLog: func(_ *plugin.Context, rec *plugin.AccessRecord) bool {
				slog.Info("access",
					"client", rec.ClientAddr,
					"method", rec.Method,
					"target", rec.Target,
					"upstream", rec.UpstreamHost,
					"status", rec.StatusCode,
					"bytes", rec.BytesOut,
					"durationMs", rec.Duration.Milliseconds(),
					"intercepted", rec.Intercepted,
					"failure", rec.FailureKind,
				)
				return true
			},
		}
	}
}
