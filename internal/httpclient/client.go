// Package httpclient builds the HTTP clients shared by the Downloader and
// the Drive FileService backend: pooled transport, proxy support, TLS 1.2
// minimum, and an HTTP/2 escape hatch for broken middleboxes.
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/http2"

	"github.com/BramAlkema/svg2pptx-batch/internal/config"
)

const (
	dialTimeout           = 10 * time.Second
	dialKeepAlive         = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
	tlsHandshakeTimeout   = 30 * time.Second
	expectContinueTimeout = 5 * time.Second
)

// New builds an HTTP client from the engine config. The client has no
// overall timeout; callers bound individual operations with contexts.
func New(cfg *config.Config) (*nethttp.Client, error) {
	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ForceAttemptHTTP2:     true,
	}

	if err := configureProxy(transport, cfg); err != nil {
		return nil, err
	}

	_ = http2.ConfigureTransport(transport)

	// DISABLE_HTTP2=true forces HTTP/1.1; some proxies mishandle
	// multiplexed streams mid-transfer.
	if os.Getenv("DISABLE_HTTP2") == "true" {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return &nethttp.Client{Transport: transport}, nil
}

func configureProxy(transport *nethttp.Transport, cfg *config.Config) error {
	mode := "no-proxy"
	if cfg != nil && cfg.ProxyMode != "" {
		mode = strings.ToLower(cfg.ProxyMode)
	}

	switch mode {
	case "no-proxy":
		transport.Proxy = nil

	case "system":
		// Honor HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment.
		proxyCfg := httpproxy.FromEnvironment()
		proxyFn := proxyCfg.ProxyFunc()
		transport.Proxy = func(req *nethttp.Request) (*url.URL, error) {
			return proxyFn(req.URL)
		}

	case "manual":
		if cfg.ProxyURL == "" {
			return fmt.Errorf("proxy_mode is manual but proxy_url is empty")
		}
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy_url: %w", err)
		}
		transport.Proxy = nethttp.ProxyURL(proxyURL)

	default:
		return fmt.Errorf("unknown proxy_mode %q", mode)
	}
	return nil
}

// WithUserAgent wraps a transport so every request carries the engine's
// User-Agent header.
type uaTransport struct {
	base nethttp.RoundTripper
}

func (t *uaTransport) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", config.UserAgent)
	}
	return t.base.RoundTrip(req)
}

// WithUserAgent returns a copy of client whose requests identify the engine.
func WithUserAgent(client *nethttp.Client) *nethttp.Client {
	base := client.Transport
	if base == nil {
		base = nethttp.DefaultTransport
	}
	return &nethttp.Client{
		Transport:     &uaTransport{base: base},
		Timeout:       client.Timeout,
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
	}
}
