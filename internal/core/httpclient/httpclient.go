// Package httpclient configures the HTTP client used for tile, version and
// dataset downloads.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const userAgent = "trail-cache/1"

// NewOutbound creates a new outbound http client. timeout bounds the whole
// request including the body read; <= 0 uses 30s.
func NewOutbound(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: uaTransport{next: newTransport(0)},
		Timeout:   timeout,
	}
}

// NewDownload creates a client for large bodies. Nothing bounds the body
// read, so callers bound it with the request context. headerTimeout limits
// the wait for response headers; <= 0 uses 30s.
func NewDownload(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = 30 * time.Second
	}
	return &http.Client{Transport: uaTransport{next: newTransport(headerTimeout)}}
}

func newTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// tile servers reject requests without an identifying agent
type uaTransport struct{ next http.RoundTripper }

func (t uaTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Header.Get("User-Agent") == "" {
		r = r.Clone(r.Context())
		r.Header.Set("User-Agent", userAgent)
	}
	return t.next.RoundTrip(r)
}
