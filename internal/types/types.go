package types

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrUnknownCategory = errors.New("unknown proxy category")

// Category is the proxy protocol class partitioning all pipeline state
type Category string

const (
	SOCKS5 Category = "SOCKS5"
	HTTPS  Category = "HTTPS"
	SOCKS4 Category = "SOCKS4"
)

// Categories lists every category in refresh order
var Categories = []Category{SOCKS5, HTTPS, SOCKS4}

// ParseCategory accepts any case ("socks5", "Https", ...)
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

func (c Category) Known() bool {
	switch c {
	case SOCKS5, HTTPS, SOCKS4:
		return true
	}
	return false
}

// Scheme returns the proxy URL scheme used to route a request through
// a proxy of this category. HTTPS proxies are plain HTTP forward proxies
// that tunnel TLS with CONNECT.
func (c Category) Scheme() string {
	switch c {
	case SOCKS5:
		return "socks5"
	case SOCKS4:
		return "socks4"
	default:
		return "http"
	}
}

// Slug is the lowercase name used in URLs and file names
func (c Category) Slug() string {
	return strings.ToLower(string(c))
}

// Endpoint is a proxy address. Hosts are stored lower-cased so that
// comparison with == is case-insensitive.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func NewEndpoint(host string, port int) Endpoint {
	return Endpoint{Host: strings.ToLower(strings.TrimSpace(host)), Port: port}
}

func (e Endpoint) Valid() bool {
	return e.Host != "" && e.Port > 0 && e.Port <= 65535
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Less orders endpoints by host, then port
func (e Endpoint) Less(o Endpoint) bool {
	if e.Host != o.Host {
		return e.Host < o.Host
	}
	return e.Port < o.Port
}

// ParseEndpoint parses "host:port", tolerating a leading scheme
// ("socks5://1.2.3.4:1080") and bracketed IPv6 hosts.
func ParseEndpoint(line string) (Endpoint, error) {
	s := strings.TrimSpace(line)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	s = strings.TrimSuffix(s, "/")

	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("missing port separator in %q", line)
	}

	host := strings.TrimSuffix(strings.TrimPrefix(s[:idx], "["), "]")
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse port in %q: %w", line, err)
	}

	ep := NewEndpoint(host, port)
	if !ep.Valid() || strings.ContainsAny(ep.Host, " \t/@") {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q", line)
	}
	// a colon is only legal inside an IPv6 literal
	if strings.Contains(ep.Host, ":") && net.ParseIP(ep.Host) == nil {
		return Endpoint{}, fmt.Errorf("invalid host in %q", line)
	}
	return ep, nil
}

// SortEndpoints sorts in place using Endpoint.Less
func SortEndpoints(eps []Endpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].Less(eps[j]) })
}

// CandidateSet is the sorted, duplicate-free result of normalization
type CandidateSet []Endpoint

// ValidatedSet holds the endpoints that passed validation in one cycle
type ValidatedSet []Endpoint

// Snapshot is the published state of a category. A zero Refreshed means
// no cycle has completed yet.
type Snapshot struct {
	Category  Category   `json:"category"`
	Proxies   []Endpoint `json:"proxies"`
	Refreshed time.Time  `json:"refreshed"`
}

// Strings renders the first limit proxies as host:port (limit <= 0 means all)
func (s *Snapshot) Strings(limit int) []string {
	n := len(s.Proxies)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = s.Proxies[i].String()
	}
	return out
}
