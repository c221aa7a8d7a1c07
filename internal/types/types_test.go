package types

import (
	"errors"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		want    Endpoint
		wantErr bool
	}{
		{name: "plain", line: "1.1.1.1:1080", want: Endpoint{Host: "1.1.1.1", Port: 1080}},
		{name: "surrounding whitespace", line: "  2.2.2.2:8080\r", want: Endpoint{Host: "2.2.2.2", Port: 8080}},
		{name: "scheme prefix", line: "socks5://3.3.3.3:9050", want: Endpoint{Host: "3.3.3.3", Port: 9050}},
		{name: "hostname lower-cased", line: "Proxy.Example.COM:3128", want: Endpoint{Host: "proxy.example.com", Port: 3128}},
		{name: "bracketed ipv6", line: "[2001:db8::1]:1080", want: Endpoint{Host: "2001:db8::1", Port: 1080}},
		{name: "no separator", line: "bad-line", wantErr: true},
		{name: "empty host", line: ":8080", wantErr: true},
		{name: "port not a number", line: "1.1.1.1:http", wantErr: true},
		{name: "port zero", line: "1.1.1.1:0", wantErr: true},
		{name: "port too large", line: "1.1.1.1:70000", wantErr: true},
		{name: "trailing garbage", line: "1.1.1.1:80 US elite", wantErr: true},
		{name: "credentials", line: "user:pass@1.2.3.4:8080", wantErr: true},
		{name: "user only", line: "user@1.2.3.4:8080", wantErr: true},
		{name: "colon in hostname", line: "a:b:8080", wantErr: true},
		{name: "unbracketed ipv6", line: "2001:db8::1:1080", want: Endpoint{Host: "2001:db8::1", Port: 1080}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseEndpoint(tt.line)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tt.line, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestEndpointEqualityIgnoresHostCase(t *testing.T) {
	t.Parallel()

	a := NewEndpoint("PROXY.example.com", 80)
	b := NewEndpoint("proxy.EXAMPLE.com", 80)
	if a != b {
		t.Errorf("expected %v == %v", a, b)
	}

	set := map[Endpoint]struct{}{a: {}, b: {}}
	if len(set) != 1 {
		t.Errorf("expected one map key, got %d", len(set))
	}
}

func TestEndpointString(t *testing.T) {
	t.Parallel()

	if got := NewEndpoint("1.2.3.4", 1080).String(); got != "1.2.3.4:1080" {
		t.Errorf("got %q", got)
	}
	if got := NewEndpoint("2001:db8::1", 1080).String(); got != "[2001:db8::1]:1080" {
		t.Errorf("got %q", got)
	}
}

func TestSortEndpoints(t *testing.T) {
	t.Parallel()

	eps := []Endpoint{
		{Host: "b", Port: 1},
		{Host: "a", Port: 9},
		{Host: "a", Port: 2},
	}
	SortEndpoints(eps)

	want := []Endpoint{{Host: "a", Port: 2}, {Host: "a", Port: 9}, {Host: "b", Port: 1}}
	for i := range want {
		if eps[i] != want[i] {
			t.Fatalf("position %d: got %v, want %v", i, eps[i], want[i])
		}
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"socks5", "SOCKS5", " Socks5 "} {
		got, err := ParseCategory(in)
		if err != nil || got != SOCKS5 {
			t.Errorf("ParseCategory(%q) = %v, %v", in, got, err)
		}
	}

	_, err := ParseCategory("ftp")
	if !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestCategorySchemeAndSlug(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cat    Category
		scheme string
		slug   string
	}{
		{SOCKS5, "socks5", "socks5"},
		{HTTPS, "http", "https"},
		{SOCKS4, "socks4", "socks4"},
	}
	for _, tt := range tests {
		tt := tt
		if got := tt.cat.Scheme(); got != tt.scheme {
			t.Errorf("%s scheme: got %q, want %q", tt.cat, got, tt.scheme)
		}
		if got := tt.cat.Slug(); got != tt.slug {
			t.Errorf("%s slug: got %q, want %q", tt.cat, got, tt.slug)
		}
	}
}

func TestSnapshotStrings(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{Proxies: []Endpoint{{Host: "a", Port: 1}, {Host: "b", Port: 2}, {Host: "c", Port: 3}}}

	if got := snap.Strings(2); len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("Strings(2) = %v", got)
	}
	if got := snap.Strings(0); len(got) != 3 {
		t.Errorf("Strings(0) = %v, want all", got)
	}
	if got := snap.Strings(10); len(got) != 3 {
		t.Errorf("Strings(10) = %v, want all", got)
	}
}
