package proxy

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/interceptd/interceptd/plugin"
)

// Options is the immutable proxy configuration, parsed once at startup and
// shared by every worker.
type Options struct {
	Hostname string
	Port     int

	// ListenAddr, when set, overrides Hostname/Port with a literal
	// host:port; useful for embedding and ephemeral-port setups.
	ListenAddr string

	NumWorkers int
	Backlog    int

	ClientRecvbufSize        int
	ServerRecvbufSize        int
	MaxConcurrentConnections int

	// Timeout is the idle timeout: a connection with no bytes in either
	// direction for this long is closed.
	Timeout        time.Duration
	ConnectTimeout time.Duration
	GraceTimeout   time.Duration

	// MITM enables TLS interception. CA material comes from CACertFile and
	// CAKeyFile when both are set, otherwise a self-signed root is loaded
	// or created under CACertDir.
	MITM             bool
	CACertFile       string
	CAKeyFile        string
	CASigningKeyFile string
	CACertDir        string
	CAValidityDays   int

	// InterceptHosts restricts MITM to matching hosts; empty intercepts
	// everything when MITM is on.
	InterceptHosts []string

	Plugins []plugin.Constructor

	DisableHTTPProxy bool
	EnableWebServer  bool
	BasicAuth        string
	AuthRealm        string

	// Via, when non-empty, adds "Via: 1.1 <value>" on forwarded requests.
	Via string

	DisableHeaders []string

	// Upstream chains requests through a parent proxy URL
	// (http://, https:// or socks5://).
	Upstream string

	SslInsecure bool

	StreamLargeBodies int64
	DNSCacheTTL       time.Duration
}

// Addr returns the host:port listening address.
func (o *Options) Addr() string {
	if o.ListenAddr != "" {
		return o.ListenAddr
	}
	host := o.Hostname
	if host == "" {
		host = "127.0.0.1"
	}
	port := o.Port
	if port == 0 {
		port = 8899
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (o *Options) validate() error {
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfig, o.Port)
	}
	if o.BasicAuth != "" {
		if _, _, ok := splitBasicAuth(o.BasicAuth); !ok {
			return fmt.Errorf("%w: basic-auth must be user:password", ErrConfig)
		}
	}
	if (o.CACertFile == "") != (o.CAKeyFile == "") {
		return fmt.Errorf("%w: ca-cert-file and ca-key-file must be given together", ErrConfig)
	}
	return nil
}

func splitBasicAuth(v string) (user, pass string, ok bool) {
	for i := 0; i < len(v); i++ {
		if v[i] == ':' {
			return v[:i], v[i+1:], true
		}
	}
	return "", "", false
}
