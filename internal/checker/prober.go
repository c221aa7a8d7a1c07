package checker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-harvester/internal/types"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// Prober sends one request to target routed through ep
type Prober interface {
	Probe(ctx context.Context, target string, ep types.Endpoint, scheme string, timeout time.Duration) (status int, elapsed time.Duration, err error)
}

// HTTPProber probes with a throwaway http.Transport per attempt so that no
// connection state is shared between candidates.
type HTTPProber struct{}

func NewHTTPProber() *HTTPProber {
	return &HTTPProber{}
}

func (p *HTTPProber) Probe(ctx context.Context, target string, ep types.Endpoint, scheme string, timeout time.Duration) (int, time.Duration, error) {
	transport, err := newProxyTransport(ep, scheme, timeout)
	if err != nil {
		return 0, 0, err
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("create request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, time.Since(start), fmt.Errorf("request via %s://%s: %w", scheme, ep, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, time.Since(start), nil
}

func newProxyTransport(ep types.Endpoint, scheme string, timeout time.Duration) (*http.Transport, error) {
	direct := &net.Dialer{Timeout: timeout}

	transport := &http.Transport{
		ForceAttemptHTTP2:   false,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: timeout,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true, // targets only need to answer
		},
	}

	switch scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: ep.String()})
		transport.DialContext = direct.DialContext

	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", ep.String(), nil, direct)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext

	case "socks4":
		dial := socks.Dial(fmt.Sprintf("socks4://%s?timeout=%s", ep, timeout))
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dial(network, addr)
		}

	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", scheme)
	}

	return transport, nil
}
