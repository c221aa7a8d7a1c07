// Package status is the read-only view the bot front end consumes.
package status

import (
	"time"

	"github.com/proxy-harvester/internal/types"
)

const (
	LastRefreshLayout = "2006-01-02 15:04:05"
	NextRefreshLayout = "15:04:05"
	Never             = "Never"
)

type SnapshotReader interface {
	Count(category types.Category) int
	Sample(category types.Category, limit int) []string
	LastRefresh(category types.Category) (time.Time, bool)
}

type RefreshPlanner interface {
	NextRefresh() time.Time
	Period() time.Duration
}

type ListLocator interface {
	Path(category types.Category) string
	Exists(category types.Category) bool
}

type Provider struct {
	snapshots SnapshotReader
	planner   RefreshPlanner
	lists     ListLocator
	now       func() time.Time
}

func NewProvider(snapshots SnapshotReader, planner RefreshPlanner, lists ListLocator) *Provider {
	return &Provider{
		snapshots: snapshots,
		planner:   planner,
		lists:     lists,
		now:       time.Now,
	}
}

func (p *Provider) GetCount(category types.Category) int {
	return p.snapshots.Count(category)
}

func (p *Provider) GetSample(category types.Category, limit int) []string {
	return p.snapshots.Sample(category, limit)
}

// GetLastRefresh formats the category's last refresh, or "Never"
func (p *Provider) GetLastRefresh(category types.Category) string {
	t, ok := p.snapshots.LastRefresh(category)
	if !ok {
		return Never
	}
	return t.Format(LastRefreshLayout)
}

// GetNextRefreshEstimate formats the scheduler's next planned cycle. Before
// the first cycle finishes it falls back to now plus one period.
func (p *Provider) GetNextRefreshEstimate() string {
	next := p.planner.NextRefresh()
	if next.IsZero() {
		next = p.now().Add(p.planner.Period())
	}
	return next.Format(NextRefreshLayout)
}

// ListFile returns the path of the category's list file and whether it exists
func (p *Provider) ListFile(category types.Category) (string, bool) {
	if p.lists == nil {
		return "", false
	}
	return p.lists.Path(category), p.lists.Exists(category)
}

type CategoryStatus struct {
	Category    types.Category `json:"category"`
	Count       int            `json:"count"`
	LastRefresh string         `json:"last_refresh"`
}

type Summary struct {
	Categories  []CategoryStatus `json:"categories"`
	NextRefresh string           `json:"next_refresh"`
}

func (p *Provider) Summary() Summary {
	s := Summary{
		Categories:  make([]CategoryStatus, 0, len(types.Categories)),
		NextRefresh: p.GetNextRefreshEstimate(),
	}
	for _, cat := range types.Categories {
		s.Categories = append(s.Categories, CategoryStatus{
			Category:    cat,
			Count:       p.GetCount(cat),
			LastRefresh: p.GetLastRefresh(cat),
		})
	}
	return s
}
