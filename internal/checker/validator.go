package checker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
)

// sitesPerCandidate is how many distinct validation sites a candidate is
// tried against before it is rejected.
const sitesPerCandidate = 2

var ErrTooFewSites = errors.New("at least two validation sites are required")

// Sampler picks k distinct indexes out of [0, n)
type Sampler interface {
	Pick(n, k int) []int
}

// RandSampler is a Sampler over a seeded math/rand source, safe for
// concurrent use by the worker pool.
type RandSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandSampler(seed int64) *RandSampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandSampler) Pick(n, k int) []int {
	s.mu.Lock()
	perm := s.rng.Perm(n)
	s.mu.Unlock()
	if k > n {
		k = n
	}
	return perm[:k]
}

// Validator decides which candidates are live and fast enough.
//
// A candidate is accepted on the first sampled site that answers 2xx under
// the latency cutoff; it does not have to pass both. Attempts are never
// retried inside a cycle.
type Validator struct {
	sites   []string
	timeout time.Duration
	cutoff  time.Duration
	workers int
	prober  Prober
	sampler Sampler
	metrics *metrics.Collector
}

func NewValidator(cfg config.CheckerConfig, prober Prober, sampler Sampler, metricsCollector *metrics.Collector) (*Validator, error) {
	if len(cfg.ValidationSites) < sitesPerCandidate {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewSites, len(cfg.ValidationSites))
	}
	if cfg.LatencyCutoffMs <= 0 || cfg.LatencyCutoffMs >= cfg.ProbeTimeoutMs {
		return nil, fmt.Errorf("latency cutoff %dms must be positive and below probe timeout %dms",
			cfg.LatencyCutoffMs, cfg.ProbeTimeoutMs)
	}
	if cfg.MaxConcurrentProbes < 1 {
		return nil, fmt.Errorf("max concurrent probes must be positive")
	}
	if sampler == nil {
		sampler = NewRandSampler(cfg.Seed)
	}

	sites := make([]string, len(cfg.ValidationSites))
	copy(sites, cfg.ValidationSites)

	return &Validator{
		sites:   sites,
		timeout: time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
		cutoff:  time.Duration(cfg.LatencyCutoffMs) * time.Millisecond,
		workers: cfg.MaxConcurrentProbes,
		prober:  prober,
		sampler: sampler,
		metrics: metricsCollector,
	}, nil
}

// Validate probes every candidate on a fixed pool of workers and returns
// the accepted subset. Each worker keeps its own partition of accepted
// endpoints; partitions are merged once all workers are done.
//
// Cancelling ctx stops dispatching new candidates. Probes already running
// keep going until their own timeout.
func (v *Validator) Validate(ctx context.Context, category types.Category, candidates types.CandidateSet) types.ValidatedSet {
	total := len(candidates)
	if total == 0 {
		return types.ValidatedSet{}
	}

	workers := v.workers
	if workers > total {
		workers = total
	}

	logger := log.WithField("category", category)
	logger.Infof("Starting validation: %d candidates, workers=%d", total, workers)
	startTime := time.Now()

	var completed atomic.Int64
	stopProgress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				current := completed.Load()
				logger.Infof("Progress: %d/%d (%.1f%%), goroutines=%d",
					current, total, float64(current)/float64(total)*100.0, runtime.NumGoroutine())
			case <-stopProgress:
				return
			}
		}
	}()

	jobs := make(chan types.Endpoint)
	partitions := make([][]types.Endpoint, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for ep := range jobs {
				accepted := v.safeCheck(ctx, category, ep)
				if accepted {
					partitions[w] = append(partitions[w], ep)
				}
				v.metrics.RecordVerdict(string(category), accepted)
				completed.Add(1)
			}
		}(w)
	}

	dispatched := 0
dispatch:
	for _, ep := range candidates {
		select {
		case jobs <- ep:
			dispatched++
		case <-ctx.Done():
			logger.Warnf("Validation interrupted after dispatching %d/%d candidates", dispatched, total)
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(stopProgress)

	accepted := make(types.ValidatedSet, 0)
	for _, part := range partitions {
		accepted = append(accepted, part...)
	}

	duration := time.Since(startTime)
	logger.Infof("Validation complete: %d/%d accepted in %v", len(accepted), total, duration)

	return accepted
}

// safeCheck runs check and turns a panic into a rejection, so one bad
// candidate can't take down the worker pool.
func (v *Validator) safeCheck(ctx context.Context, category types.Category, ep types.Endpoint) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			v.metrics.RecordProbe(string(category), "panic")
			log.WithFields(log.Fields{"category": category, "proxy": ep.String()}).Errorf("Probe panicked: %v", r)
			accepted = false
		}
	}()
	return v.check(ctx, category, ep)
}

// check tries the candidate against two distinct sampled sites in turn
func (v *Validator) check(ctx context.Context, category types.Category, ep types.Endpoint) bool {
	scheme := category.Scheme()
	probeCtx := context.WithoutCancel(ctx)

	for i, idx := range v.sampler.Pick(len(v.sites), sitesPerCandidate) {
		if i > 0 && ctx.Err() != nil {
			return false
		}

		site := v.sites[idx]
		status, elapsed, err := v.prober.Probe(probeCtx, site, ep, scheme, v.timeout)
		switch {
		case err != nil:
			v.metrics.RecordProbe(string(category), "error")
			log.WithFields(log.Fields{"proxy": ep.String(), "site": site}).Debugf("Probe failed: %v", err)
		case status < 200 || status > 299:
			v.metrics.RecordProbe(string(category), "bad_status")
		case elapsed >= v.cutoff:
			v.metrics.RecordProbe(string(category), "slow")
		default:
			v.metrics.RecordProbe(string(category), "ok")
			v.metrics.RecordProbeDuration(elapsed.Seconds())
			return true
		}
	}
	return false
}
