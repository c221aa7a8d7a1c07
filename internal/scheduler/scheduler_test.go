package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-harvester/internal/aggregator"
	"github.com/proxy-harvester/internal/checker"
	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/types"
)

// scriptedPipeline returns a fixed result per category and signals every run
type scriptedPipeline struct {
	mu      sync.Mutex
	results map[types.Category]func() (types.ValidatedSet, error)
	runs    []types.Category
	ran     chan types.Category
}

func newScriptedPipeline() *scriptedPipeline {
	return &scriptedPipeline{
		results: make(map[types.Category]func() (types.ValidatedSet, error)),
		ran:     make(chan types.Category, 64),
	}
}

func (p *scriptedPipeline) Run(_ context.Context, cat types.Category) (types.ValidatedSet, error) {
	p.mu.Lock()
	p.runs = append(p.runs, cat)
	fn := p.results[cat]
	p.mu.Unlock()

	defer func() {
		select {
		case p.ran <- cat:
		default:
		}
	}()

	if fn == nil {
		return types.ValidatedSet{}, nil
	}
	return fn()
}

type recordingPublisher struct {
	mu        sync.Mutex
	published map[types.Category]types.ValidatedSet
	stamps    map[types.Category]time.Time
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		published: make(map[types.Category]types.ValidatedSet),
		stamps:    make(map[types.Category]time.Time),
	}
}

func (r *recordingPublisher) Publish(cat types.Category, validated types.ValidatedSet, refreshed time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[cat] = validated
	r.stamps[cat] = refreshed
	return nil
}

func (r *recordingPublisher) get(cat types.Category) (types.ValidatedSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.published[cat]
	return v, ok
}

func testMetrics() *metrics.Collector {
	return metrics.NewCollectorWith(prometheus.NewRegistry(), "test")
}

func validated(hosts ...string) types.ValidatedSet {
	out := make(types.ValidatedSet, len(hosts))
	for i, h := range hosts {
		out[i] = types.NewEndpoint(h, 1080)
	}
	return out
}

func TestRunCycleIsolatesCategoryFailures(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	pipeline.results[types.SOCKS5] = func() (types.ValidatedSet, error) { return validated("1.1.1.1"), nil }
	pipeline.results[types.HTTPS] = func() (types.ValidatedSet, error) { return nil, errors.New("validation site down") }
	pipeline.results[types.SOCKS4] = func() (types.ValidatedSet, error) { return validated("4.4.4.4", "5.5.5.5"), nil }
	pub := newRecordingPublisher()

	s := New(pipeline, pub, time.Minute, testMetrics())
	s.RunCycle(context.Background())

	if got, ok := pub.get(types.SOCKS5); !ok || len(got) != 1 {
		t.Errorf("socks5 published = %v, %v", got, ok)
	}
	if _, ok := pub.get(types.HTTPS); ok {
		t.Error("failed category should not publish")
	}
	if got, ok := pub.get(types.SOCKS4); !ok || len(got) != 2 {
		t.Errorf("socks4 published = %v, %v", got, ok)
	}
}

func TestRunCycleRecoversFromPanic(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	pipeline.results[types.SOCKS5] = func() (types.ValidatedSet, error) { panic("boom") }
	pipeline.results[types.HTTPS] = func() (types.ValidatedSet, error) { return validated("2.2.2.2"), nil }
	pub := newRecordingPublisher()

	s := New(pipeline, pub, time.Minute, testMetrics(), WithCategories(types.SOCKS5, types.HTTPS))
	s.RunCycle(context.Background())

	if _, ok := pub.get(types.HTTPS); !ok {
		t.Error("panic in one category stopped the rest of the cycle")
	}
}

func TestRunCycleKeepsSnapshotWhenNothingFetched(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	pipeline.results[types.SOCKS4] = func() (types.ValidatedSet, error) { return nil, ErrNothingFetched }
	pub := newRecordingPublisher()
	pub.published[types.SOCKS4] = validated("7.7.7.7")

	s := New(pipeline, pub, time.Minute, testMetrics(), WithCategories(types.SOCKS4))
	s.RunCycle(context.Background())

	if got, _ := pub.get(types.SOCKS4); len(got) != 1 || got[0].Host != "7.7.7.7" {
		t.Errorf("previous snapshot replaced: %v", got)
	}
}

func TestRunCycleRunsCategoriesInOrder(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	s := New(pipeline, newRecordingPublisher(), time.Minute, testMetrics())
	s.RunCycle(context.Background())

	if len(pipeline.runs) != len(types.Categories) {
		t.Fatalf("ran %v", pipeline.runs)
	}
	for i, cat := range types.Categories {
		if pipeline.runs[i] != cat {
			t.Errorf("run %d = %s, want %s", i, pipeline.runs[i], cat)
		}
	}
}

func TestRunCycleStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	s := New(pipeline, newRecordingPublisher(), time.Minute, testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunCycle(ctx)

	if len(pipeline.runs) != 0 {
		t.Errorf("expected no categories to run, got %v", pipeline.runs)
	}
}

// stoppedClock never advances and never wakes a sleeper
type stoppedClock struct {
	now time.Time
}

func (c stoppedClock) Now() time.Time                       { return c.now }
func (c stoppedClock) After(time.Duration) <-chan time.Time { return nil }

func TestRunCycleStampsWithClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	pub := newRecordingPublisher()
	s := New(newScriptedPipeline(), pub, time.Minute, testMetrics(), WithClock(stoppedClock{now: at}))
	s.RunCycle(context.Background())

	for _, cat := range types.Categories {
		if got := pub.stamps[cat]; !got.Equal(at) {
			t.Errorf("%s refreshed at %v, want %v", cat, got, at)
		}
	}
}

func TestNextWake(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	period := 5 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{name: "short cycle", now: start.Add(30 * time.Second), want: start.Add(5 * time.Minute)},
		{name: "cycle ends on the boundary", now: start.Add(5 * time.Minute), want: start.Add(10 * time.Minute)},
		{name: "overran one slot", now: start.Add(7 * time.Minute), want: start.Add(10 * time.Minute)},
		{name: "overran several slots", now: start.Add(23 * time.Minute), want: start.Add(25 * time.Minute)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := nextWake(start, period, tt.now); !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func waitRun(t *testing.T, p *scriptedPipeline) {
	t.Helper()
	select {
	case <-p.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pipeline run")
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	s := New(pipeline, newRecordingPublisher(), time.Hour, testMetrics(), WithCategories(types.SOCKS5))

	if st := s.State(); st != Idle {
		t.Fatalf("initial state = %s", st)
	}
	if !s.NextRefresh().IsZero() {
		t.Error("next refresh set before any cycle")
	}

	before := time.Now()
	s.Start(context.Background())
	s.Start(context.Background()) // second start is a no-op
	waitRun(t, pipeline)

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != Sleeping && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if st := s.State(); st != Sleeping {
		t.Fatalf("state after first cycle = %s", st)
	}

	next := s.NextRefresh()
	if next.Before(before.Add(time.Hour)) || next.After(time.Now().Add(time.Hour)) {
		t.Errorf("next refresh %v not one period after the cycle start", next)
	}

	// A trigger cuts the hour-long sleep short
	s.TriggerNow()
	waitRun(t, pipeline)

	s.Stop()
	s.Stop()
	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	if st := s.State(); st != Stopped {
		t.Errorf("final state = %s", st)
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	pipeline := newScriptedPipeline()
	s := New(pipeline, newRecordingPublisher(), time.Hour, testMetrics(), WithCategories(types.HTTPS))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	waitRun(t, pipeline)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler ignored context cancellation")
	}
}

func TestWaitWithoutStart(t *testing.T) {
	t.Parallel()

	s := New(newScriptedPipeline(), newRecordingPublisher(), time.Hour, testMetrics())
	s.Wait()
}

// fakeFetcher returns the configured lines for every category
type fakeFetcher struct {
	lines []string
}

func (f *fakeFetcher) Fetch(context.Context, types.Category) ([]string, []aggregator.SourceStats) {
	return f.lines, []aggregator.SourceStats{{URL: "http://source", Lines: len(f.lines)}}
}

// passValidator accepts candidates whose host is not listed in reject
type passValidator struct {
	reject map[string]bool
	seen   types.CandidateSet
}

func (v *passValidator) Validate(_ context.Context, _ types.Category, candidates types.CandidateSet) types.ValidatedSet {
	v.seen = candidates
	out := types.ValidatedSet{}
	for _, ep := range candidates {
		if !v.reject[ep.Host] {
			out = append(out, ep)
		}
	}
	return out
}

func TestStagePipelineNothingFetched(t *testing.T) {
	t.Parallel()

	v := &passValidator{}
	p := NewStagePipeline(&fakeFetcher{}, v, 100, config.FastFilterConfig{}, testMetrics())

	_, err := p.Run(context.Background(), types.SOCKS5)
	if !errors.Is(err, ErrNothingFetched) {
		t.Fatalf("expected ErrNothingFetched, got %v", err)
	}
	if v.seen != nil {
		t.Error("validator ran with nothing fetched")
	}
}

func TestStagePipelineRun(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{lines: []string{"1.1.1.1:1080", "1.1.1.1:1080", "bad-line", "2.2.2.2:8080", "3.3.3.3:3128"}}
	v := &passValidator{reject: map[string]bool{"3.3.3.3": true}}
	p := NewStagePipeline(fetcher, v, 100, config.FastFilterConfig{}, testMetrics())

	got, err := p.Run(context.Background(), types.HTTPS)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v.seen) != 3 {
		t.Errorf("validator saw %v, want 3 deduplicated candidates", v.seen)
	}
	if len(got) != 2 || got[0].Host != "1.1.1.1" || got[1].Host != "2.2.2.2" {
		t.Errorf("validated = %v", got)
	}
}

func TestStagePipelineHonorsMaxProxies(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{lines: []string{"3.3.3.3:1", "1.1.1.1:1", "2.2.2.2:1"}}
	v := &passValidator{}
	p := NewStagePipeline(fetcher, v, 2, config.FastFilterConfig{}, testMetrics())

	if _, err := p.Run(context.Background(), types.SOCKS4); err != nil {
		t.Fatal(err)
	}
	if len(v.seen) != 2 {
		t.Errorf("validator saw %d candidates, want 2", len(v.seen))
	}
}

func TestStagePipelineCancelled(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{lines: []string{"1.1.1.1:1080"}}
	p := NewStagePipeline(fetcher, &passValidator{}, 100, config.FastFilterConfig{}, testMetrics())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Run(ctx, types.SOCKS5); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// schemeExplodingChecker panics for every check sent through the given scheme
type schemeExplodingChecker struct {
	scheme string
}

func (p schemeExplodingChecker) Probe(_ context.Context, _ string, _ types.Endpoint, scheme string, _ time.Duration) (int, time.Duration, error) {
	if scheme == p.scheme {
		panic("boom in worker")
	}
	return 200, time.Millisecond, nil
}

func TestRunCycleSurvivesPanicInValidatorWorker(t *testing.T) {
	t.Parallel()

	cfg := config.CheckerConfig{
		ValidationSites:     []string{"https://a.test", "https://b.test"},
		ProbeTimeoutMs:      1000,
		LatencyCutoffMs:     500,
		MaxConcurrentProbes: 4,
		Seed:                1,
	}
	v, err := checker.NewValidator(cfg, schemeExplodingChecker{scheme: types.SOCKS5.Scheme()}, nil, testMetrics())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &fakeFetcher{lines: []string{"1.1.1.1:1080", "2.2.2.2:8080"}}
	pipeline := NewStagePipeline(fetcher, v, 100, config.FastFilterConfig{}, testMetrics())
	pub := newRecordingPublisher()

	s := New(pipeline, pub, time.Minute, testMetrics(), WithCategories(types.SOCKS5, types.HTTPS))
	s.RunCycle(context.Background())

	if got, ok := pub.get(types.SOCKS5); !ok || len(got) != 0 {
		t.Errorf("socks5 published = %v, %v; want an empty set", got, ok)
	}
	if got, ok := pub.get(types.HTTPS); !ok || len(got) != 2 {
		t.Errorf("https published = %v, %v", got, ok)
	}
}
