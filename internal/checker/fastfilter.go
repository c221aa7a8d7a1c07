package checker

import (
	"context"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
)

// FastConnectFilter performs TCP-only connection pre-filtering.
// This quickly drops unreachable candidates before the full probes; the
// result keeps the input order and is always a subset of it.
func FastConnectFilter(ctx context.Context, candidates types.CandidateSet, timeout time.Duration, concurrency int) types.CandidateSet {
	if len(candidates) == 0 {
		return candidates
	}
	if concurrency < 1 {
		concurrency = 1
	}

	log.Infof("Starting fast TCP filter: %d candidates, concurrency=%d, timeout=%v",
		len(candidates), concurrency, timeout)

	startTime := time.Now()
	reachable := make([]bool, len(candidates))

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)

	// Progress tracking
	var completed atomic.Int64
	var successful atomic.Int64
	stopProgress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				current := completed.Load()
				percent := float64(current) / float64(len(candidates)) * 100.0
				log.Infof("Fast filter progress: %d/%d (%.1f%%), connectable=%d, goroutines=%d",
					current, len(candidates), percent, successful.Load(), runtime.NumGoroutine())
			case <-stopProgress:
				return
			}
		}
	}()

	var wg sync.WaitGroup

loop:
	for i, ep := range candidates {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		wg.Add(1)

		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			if testTCPConnection(addr, timeout) {
				reachable[i] = true
				successful.Add(1)
			}
			completed.Add(1)
		}(i, ep.String())
	}

	wg.Wait()
	close(stopProgress)

	connectable := make(types.CandidateSet, 0, successful.Load())
	for i, ok := range reachable {
		if ok {
			connectable = append(connectable, candidates[i])
		}
	}

	duration := time.Since(startTime)
	filteredOut := len(candidates) - len(connectable)
	filterRate := float64(filteredOut) / float64(len(candidates)) * 100.0

	log.Infof("Fast filter complete: %d/%d connectable (%.1f%% filtered out) in %v",
		len(connectable), len(candidates), filterRate, duration)

	return connectable
}

// testTCPConnection tests if a TCP connection can be established
func testTCPConnection(address string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
