package cdn

import (
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
)

// Transport defaults grounded on http-client.go's newHTTPTransport/
// newHTTPClient: a gzhttp-wrapped transport tuned for many small range
// requests against a handful of CDN hosts.
var (
	defaultMaxConnsPerHost = 20
	defaultDialTimeout     = 20 * time.Second
	defaultKeepAlive       = 180 * time.Second
)

// RequestTimeout is the default per-request timeout spec.md §5 assigns
// HTTP range fetches.
const RequestTimeout = 30 * time.Second

// NewHTTPTransport builds the *http.Transport range fetches run over.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		IdleConnTimeout:     time.Minute,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		MaxIdleConnsPerHost: defaultMaxConnsPerHost,
		Proxy:               http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaultDialTimeout,
			KeepAlive: defaultKeepAlive,
			DualStack: true,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// NewHTTPClient returns an http.Client suitable for CDN range fetches,
// safe for concurrent use across the dispatcher's worker pool.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: gzhttp.Transport(NewHTTPTransport()),
	}
}
