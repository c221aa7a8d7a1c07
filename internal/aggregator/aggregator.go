package aggregator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maxBodyBytes caps how much of a single source list is read
const maxBodyBytes = 10 * 1024 * 1024

// Getter is the fetch-a-URL capability used to retrieve source lists
type Getter interface {
	Get(ctx context.Context, url string, timeout time.Duration) (status int, body []byte, err error)
}

// HTTPGetter implements Getter over a shared http.Client
type HTTPGetter struct {
	client    *http.Client
	userAgent string
}

func NewHTTPGetter(userAgent string) *HTTPGetter {
	return &HTTPGetter{
		userAgent: userAgent,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (g *HTTPGetter) Get(ctx context.Context, url string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

type Aggregator struct {
	config  config.AggregatorConfig
	metrics *metrics.Collector
	getter  Getter
}

type SourceStats struct {
	URL   string `json:"url"`
	Lines int    `json:"lines"`
	Error string `json:"error,omitempty"`
}

func NewAggregator(cfg config.AggregatorConfig, getter Getter, metricsCollector *metrics.Collector) *Aggregator {
	return &Aggregator{
		config:  cfg,
		metrics: metricsCollector,
		getter:  getter,
	}
}

// Fetch retrieves the raw lines of every enabled source of a category.
// A failing source is skipped and never aborts the others; there are no
// retries, the next scheduled cycle is the retry. If every source fails
// the result is empty and not an error.
func (a *Aggregator) Fetch(ctx context.Context, category types.Category) ([]string, []SourceStats) {
	sources := make([]config.Source, 0, len(a.config.Sources[category]))
	for _, src := range a.config.Sources[category] {
		if src.Enabled {
			sources = append(sources, src)
		}
	}

	logger := log.WithField("category", category)
	if len(sources) == 0 {
		logger.Warn("No enabled sources")
		return nil, nil
	}

	logger.Infof("Fetching from %d sources", len(sources))

	timeout := time.Duration(a.config.FetchTimeoutMs) * time.Millisecond
	perSource := make([][]string, len(sources))
	stats := make([]SourceStats, len(sources))

	var g errgroup.Group
	if a.config.FetchConcurrency > 0 {
		g.SetLimit(a.config.FetchConcurrency)
	}

	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			start := time.Now()
			lines, err := a.fetchSource(ctx, src, timeout)
			duration := time.Since(start)

			stats[i] = SourceStats{URL: src.URL, Lines: len(lines)}
			if err != nil {
				stats[i].Error = err.Error()
				logger.WithField("source", src.URL).Warnf("Source failed: %v (took %v)", err, duration)
				a.metrics.RecordSourceError(src.URL)
				return nil
			}

			logger.WithField("source", src.URL).Debugf("Source returned %d lines (took %v)", len(lines), duration)
			a.metrics.RecordSourceLines(src.URL, len(lines))
			perSource[i] = lines
			return nil
		})
	}
	_ = g.Wait()

	var all []string
	for _, lines := range perSource {
		all = append(all, lines...)
	}
	return all, stats
}

func (a *Aggregator) fetchSource(ctx context.Context, src config.Source, timeout time.Duration) ([]string, error) {
	status, body, err := a.getter.Get(ctx, src.URL, timeout)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("HTTP %d", status)
	}

	if src.Format == "html" {
		return parseHTMLTable(bytes.NewReader(body))
	}
	return splitLines(bytes.NewReader(body))
}

func splitLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("scan: %w", err)
	}
	return lines, nil
}

// Normalize turns raw lines into a CandidateSet: trimmed, parsed,
// deduplicated by (host, port), sorted, and truncated to max (max <= 0
// disables the cap). Malformed lines are dropped silently.
func Normalize(lines []string, max int) types.CandidateSet {
	seen := make(map[types.Endpoint]struct{}, len(lines))
	dropped := 0

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, ":") {
			dropped++
			continue
		}
		ep, err := types.ParseEndpoint(line)
		if err != nil {
			dropped++
			continue
		}
		seen[ep] = struct{}{}
	}

	set := make(types.CandidateSet, 0, len(seen))
	for ep := range seen {
		set = append(set, ep)
	}
	types.SortEndpoints(set)

	if max > 0 && len(set) > max {
		set = set[:max]
	}

	if dropped > 0 {
		log.Debugf("Normalize: dropped %d malformed lines, %d unique candidates", dropped, len(set))
	}
	return set
}
