package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/interceptd/interceptd/plugins"
	"github.com/interceptd/interceptd/proxy"
	"github.com/interceptd/interceptd/version"
	"github.com/interceptd/interceptd/web"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
	exitCA     = 3
)

type cliConfig struct {
	hostname   string
	port       int
	numWorkers int
	backlog    int

	clientRecvbufSize int
	serverRecvbufSize int
	maxConns          int
	timeout           time.Duration
	connectTimeout    time.Duration
	graceTimeout      time.Duration

	mitm             bool
	caCertFile       string
	caKeyFile        string
	caSigningKeyFile string
	caCertDir        string
	caValidityDays   int
	interceptHosts   string
	sslInsecure      bool

	pluginList string

	pidFile  string
	logLevel string
	logFile  string

	disableHTTPProxy bool
	enableWebServer  bool
	basicAuth        string
	via              string
	disableHeaders   string
	upstream         string

	streamLargeBodies int64
	dnsCacheTTL       time.Duration

	showVersion bool
}

func parseFlags(args []string) (*cliConfig, error) {
	cfg := &cliConfig{}
	fs := flag.NewFlagSet("interceptd", flag.ContinueOnError)

	fs.StringVar(&cfg.hostname, "hostname", "127.0.0.1", "address to listen on")
	fs.IntVar(&cfg.port, "port", 8899, "port to listen on")
	fs.IntVar(&cfg.numWorkers, "num-workers", 0, "worker count (default: logical CPU count)")
	fs.IntVar(&cfg.backlog, "backlog", 128, "listen backlog")
	fs.IntVar(&cfg.clientRecvbufSize, "client-recvbuf-size", 64*1024, "client receive buffer size in bytes")
	fs.IntVar(&cfg.serverRecvbufSize, "server-recvbuf-size", 64*1024, "server receive buffer size in bytes")
	fs.IntVar(&cfg.maxConns, "max-concurrent-connections", 0, "cap on concurrently served connections (0 = unlimited)")
	fs.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "idle connection timeout")
	fs.DurationVar(&cfg.connectTimeout, "connect-timeout", 10*time.Second, "upstream connect timeout")
	fs.DurationVar(&cfg.graceTimeout, "grace-timeout", 10*time.Second, "shutdown grace period for in-flight connections")

	fs.BoolVar(&cfg.mitm, "mitm", false, "enable TLS interception")
	fs.StringVar(&cfg.caCertFile, "ca-cert-file", "", "CA certificate for signing generated leaves")
	fs.StringVar(&cfg.caKeyFile, "ca-key-file", "", "CA private key")
	fs.StringVar(&cfg.caSigningKeyFile, "ca-signing-key-file", "", "private key used for generated leaves")
	fs.StringVar(&cfg.caCertDir, "ca-cert-dir", "", "directory for the persistent leaf certificate cache")
	fs.IntVar(&cfg.caValidityDays, "ca-validity-days", 365, "generated leaf validity in days")
	fs.StringVar(&cfg.interceptHosts, "intercept-hosts", "", "comma separated host patterns to intercept (default: all)")
	fs.BoolVar(&cfg.sslInsecure, "ssl-insecure", false, "do not verify upstream server certificates")

	fs.StringVar(&cfg.pluginList, "plugins", "", "comma separated ordered plugin identifiers (e.g. accesslog,urlfilter=rules.json)")

	fs.StringVar(&cfg.pidFile, "pid-file", "", "write the process id to this file")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&cfg.logFile, "log-file", "", "log to this file instead of stdout")

	fs.BoolVar(&cfg.disableHTTPProxy, "disable-http-proxy", false, "serve CONNECT tunnels only")
	fs.BoolVar(&cfg.enableWebServer, "enable-web-server", false, "answer origin-form requests with the embedded web server")
	fs.StringVar(&cfg.basicAuth, "basic-auth", "", "require this user:password on Proxy-Authorization")
	fs.StringVar(&cfg.via, "via", "", "append a Via header with this pseudonym")
	fs.StringVar(&cfg.disableHeaders, "disable-headers", "", "comma separated headers removed before upstream dispatch")
	fs.StringVar(&cfg.upstream, "upstream", "", "chain through this parent proxy URL")

	fs.Int64Var(&cfg.streamLargeBodies, "stream-large-bodies", 1024*1024, "bodies above this many bytes stream instead of buffering")
	fs.DurationVar(&cfg.dnsCacheTTL, "dns-cache-ttl", 0, "upstream DNS cache TTL (0 disables the cache)")

	fs.BoolVar(&cfg.showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		return exitConfig
	}

	if cfg.showVersion {
		fmt.Println("interceptd " + version.String())
		return exitOK
	}

	logOut := newReopenWriter(cfg.logFile)
	defer logOut.Close()
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.logLevel),
	})))

	pluginIDs := splitList(cfg.pluginList)
	ctors, err := plugins.Build(pluginIDs)
	if err != nil {
		slog.Error("failed to build plugin chain", "error", err)
		return exitConfig
	}

	opts := &proxy.Options{
		Hostname:                 cfg.hostname,
		Port:                     cfg.port,
		NumWorkers:               cfg.numWorkers,
		Backlog:                  cfg.backlog,
		ClientRecvbufSize:        cfg.clientRecvbufSize,
		ServerRecvbufSize:        cfg.serverRecvbufSize,
		MaxConcurrentConnections: cfg.maxConns,
		Timeout:                  cfg.timeout,
		ConnectTimeout:           cfg.connectTimeout,
		GraceTimeout:             cfg.graceTimeout,
		MITM:                     cfg.mitm,
		CACertFile:               cfg.caCertFile,
		CAKeyFile:                cfg.caKeyFile,
		CASigningKeyFile:         cfg.caSigningKeyFile,
		CACertDir:                cfg.caCertDir,
		CAValidityDays:           cfg.caValidityDays,
		InterceptHosts:           splitList(cfg.interceptHosts),
		Plugins:                  ctors,
		DisableHTTPProxy:         cfg.disableHTTPProxy,
		EnableWebServer:          cfg.enableWebServer,
		BasicAuth:                cfg.basicAuth,
		Via:                      cfg.via,
		DisableHeaders:           splitList(cfg.disableHeaders),
		Upstream:                 cfg.upstream,
		SslInsecure:              cfg.sslInsecure,
		StreamLargeBodies:        cfg.streamLargeBodies,
		DNSCacheTTL:              cfg.dnsCacheTTL,
	}

	p, err := proxy.NewProxy(opts)
	if err != nil {
		slog.Error("startup failed", "error", err)
		switch {
		case errors.Is(err, proxy.ErrCAMaterial):
			return exitCA
		default:
			return exitConfig
		}
	}

	var webSrv *web.Server
	if cfg.enableWebServer {
		var caDER []byte
		if root := p.GetCertificate(); root != nil {
			caDER = root.Raw
		}
		webSrv = web.NewServer(caDER)
		webSrv.Start()
		defer webSrv.Close()
		p.SetWebCollaborator(webSrv)
		p.AddPlugin(webSrv.AccessLogHook())
	}

	if err := p.Listen(); err != nil {
		slog.Error("bind failed", "error", err)
		return exitBind
	}

	if cfg.pidFile != "" {
		if err := os.WriteFile(cfg.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			slog.Error("failed to write pid file", "error", err)
			return exitConfig
		}
		defer os.Remove(cfg.pidFile)
	}

	slog.Info("interceptd started",
		"version", version.Version,
		"addr", p.Addr(),
		"mitm", cfg.mitm,
	)

	serveDone := make(chan error, 1)
	go func() { serveDone <- p.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP, unix.SIGUSR1)

	for {
		select {
		case err := <-serveDone:
			if err != nil {
				slog.Error("proxy exited", "error", err)
				return exitBind
			}
			return exitOK

		case sig := <-sigCh:
			switch sig {
			case unix.SIGHUP:
				slog.Info("reloading plugin chain and CA material")
				ctors, err := plugins.Build(pluginIDs)
				if err != nil {
					slog.Error("reload failed, keeping previous plugin chain", "error", err)
					continue
				}
				if webSrv != nil {
					ctors = append(ctors, webSrv.AccessLogHook())
				}
				if err := p.Reload(ctors); err != nil {
					slog.Error("reload failed", "error", err)
				}

			case unix.SIGUSR1:
				if err := logOut.Reopen(); err != nil {
					slog.Error("log reopen failed", "error", err)
				} else {
					slog.Info("log file reopened")
				}

			default: // SIGINT, SIGTERM
				slog.Info("shutting down", "signal", sig.String())
				ctx, cancel := context.WithTimeout(context.Background(), cfg.graceTimeout+5*time.Second)
				_ = p.Shutdown(ctx)
				cancel()
				if err := <-serveDone; err != nil {
					slog.Error("shutdown error", "error", err)
				}
				return exitOK
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "d":
		return slog.LevelDebug
	case "warn", "warning", "w":
		return slog.LevelWarn
	case "error", "e":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
