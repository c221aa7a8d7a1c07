package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/proxy-harvester/internal/aggregator"
	"github.com/proxy-harvester/internal/checker"
	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
)

// ErrNothingFetched means every source of a category failed. The previous
// snapshot is kept rather than replaced with an empty one.
var ErrNothingFetched = errors.New("no source returned data")

// Pipeline runs the fetch, normalize and validate stages for one category
type Pipeline interface {
	Run(ctx context.Context, category types.Category) (types.ValidatedSet, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, category types.Category) ([]string, []aggregator.SourceStats)
}

type Validator interface {
	Validate(ctx context.Context, category types.Category, candidates types.CandidateSet) types.ValidatedSet
}

// StagePipeline is the production Pipeline
type StagePipeline struct {
	fetcher    Fetcher
	validator  Validator
	maxProxies int
	fastFilter config.FastFilterConfig
	metrics    *metrics.Collector
}

func NewStagePipeline(fetcher Fetcher, validator Validator, maxProxies int, fastFilter config.FastFilterConfig, metricsCollector *metrics.Collector) *StagePipeline {
	return &StagePipeline{
		fetcher:    fetcher,
		validator:  validator,
		maxProxies: maxProxies,
		fastFilter: fastFilter,
		metrics:    metricsCollector,
	}
}

func (p *StagePipeline) Run(ctx context.Context, category types.Category) (types.ValidatedSet, error) {
	logger := log.WithField("category", category)

	// PHASE 1: Fetch raw lines
	lines, stats := p.fetcher.Fetch(ctx, category)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w (%d sources tried)", ErrNothingFetched, len(stats))
	}

	// PHASE 2: Normalize and deduplicate
	candidates := aggregator.Normalize(lines, p.maxProxies)
	p.metrics.SetCandidates(string(category), len(candidates))
	logger.Infof("Normalized %d raw lines into %d candidates", len(lines), len(candidates))

	// PHASE 3: Fast TCP filter (if enabled)
	if p.fastFilter.Enabled && len(candidates) > p.fastFilter.MinCandidates {
		candidates = checker.FastConnectFilter(ctx, candidates,
			time.Duration(p.fastFilter.TimeoutMs)*time.Millisecond, p.fastFilter.Concurrency)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// PHASE 4: Validate through each candidate
	validated := p.validator.Validate(ctx, category, candidates)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("validation interrupted: %w", err)
	}

	return validated, nil
}
