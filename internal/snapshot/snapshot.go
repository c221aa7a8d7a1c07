package snapshot

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-harvester/internal/storage"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
)

// Manager owns the published snapshot of every category. Each category
// has its own atomic pointer; a published snapshot is never mutated, so
// a reader always sees a proxy list and timestamp from the same cycle.
type Manager struct {
	current map[types.Category]*atomic.Pointer[types.Snapshot] // keys fixed at construction
	storage storage.Storage
	lists   *storage.ListWriter

	persistMu       sync.Mutex
	saved           map[types.Category]*types.Snapshot // last snapshot written per category, guarded by persistMu
	pending         sync.WaitGroup
	persistInterval time.Duration
	stopPersist     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates a manager with empty snapshots. store and lists may
// be nil to disable persistence or the list artifact.
func NewManager(store storage.Storage, lists *storage.ListWriter, persistIntervalSeconds int) *Manager {
	m := &Manager{
		current:         make(map[types.Category]*atomic.Pointer[types.Snapshot], len(types.Categories)),
		storage:         store,
		lists:           lists,
		saved:           make(map[types.Category]*types.Snapshot, len(types.Categories)),
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
	}

	for _, cat := range types.Categories {
		p := &atomic.Pointer[types.Snapshot]{}
		p.Store(&types.Snapshot{Category: cat, Proxies: []types.Endpoint{}})
		m.current[cat] = p
	}

	// Start periodic persistence
	if store != nil && persistIntervalSeconds > 0 {
		go m.periodicPersist()
	}

	return m
}

// Publish atomically replaces the category's snapshot with a sorted copy of
// validated, then rewrites its list file and persists it in the background.
func (m *Manager) Publish(category types.Category, validated types.ValidatedSet, refreshed time.Time) error {
	ptr, ok := m.current[category]
	if !ok {
		return fmt.Errorf("publish: %w: %q", types.ErrUnknownCategory, category)
	}

	proxies := make([]types.Endpoint, len(validated))
	copy(proxies, validated)
	types.SortEndpoints(proxies)

	snap := &types.Snapshot{
		Category:  category,
		Proxies:   proxies,
		Refreshed: refreshed,
	}
	ptr.Store(snap)
	log.WithField("category", category).Infof("Snapshot updated: %d validated proxies", len(proxies))

	if m.lists != nil {
		if err := m.lists.Write(category, proxies); err != nil {
			log.WithField("category", category).Errorf("Failed to write proxy list: %v", err)
		}
	}

	if m.storage != nil {
		m.pending.Add(1)
		go func() {
			defer m.pending.Done()
			m.persist(category)
		}()
	}

	return nil
}

func (m *Manager) load(category types.Category) *types.Snapshot {
	ptr, ok := m.current[category]
	if !ok {
		return nil
	}
	return ptr.Load()
}

// Get returns a copy of the category's snapshot
func (m *Manager) Get(category types.Category) types.Snapshot {
	snap := m.load(category)
	if snap == nil {
		return types.Snapshot{Category: category, Proxies: []types.Endpoint{}}
	}

	proxies := make([]types.Endpoint, len(snap.Proxies))
	copy(proxies, snap.Proxies)
	return types.Snapshot{Category: snap.Category, Proxies: proxies, Refreshed: snap.Refreshed}
}

// Count returns the number of validated proxies in the category
func (m *Manager) Count(category types.Category) int {
	snap := m.load(category)
	if snap == nil {
		return 0
	}
	return len(snap.Proxies)
}

// Sample returns the first limit proxies as host:port (limit <= 0 means all)
func (m *Manager) Sample(category types.Category, limit int) []string {
	snap := m.load(category)
	if snap == nil {
		return []string{}
	}
	return snap.Strings(limit)
}

// LastRefresh returns when the current snapshot was published; ok is false
// if no cycle has completed for the category.
func (m *Manager) LastRefresh(category types.Category) (t time.Time, ok bool) {
	snap := m.load(category)
	if snap == nil || snap.Refreshed.IsZero() {
		return time.Time{}, false
	}
	return snap.Refreshed, true
}

// persist saves the category's current snapshot. It reads the pointer
// under persistMu, so background saves finishing out of order still leave
// the newest snapshot in storage.
func (m *Manager) persist(category types.Category) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snap := m.load(category)
	if snap == nil || snap.Refreshed.IsZero() || m.saved[category] == snap {
		return
	}

	if err := m.storage.Save(snap); err != nil {
		log.WithField("category", category).Errorf("Failed to persist snapshot: %v", err)
		return
	}
	m.saved[category] = snap
	log.WithField("category", category).Debugf("Snapshot persisted: %d proxies", len(snap.Proxies))
}

// periodicPersist saves every refreshed snapshot at regular intervals
func (m *Manager) periodicPersist() {
	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.persistAll()
		case <-m.stopPersist:
			return
		}
	}
}

func (m *Manager) persistAll() {
	for _, cat := range types.Categories {
		m.persist(cat)
	}
}

// LoadFromStorage restores the last persisted snapshots, skipping any older
// than maxAge so a long outage doesn't resurrect dead proxies. A category
// that fails to load is skipped; the others are still restored and the
// failures are returned joined.
func (m *Manager) LoadFromStorage(maxAge time.Duration) error {
	if m.storage == nil {
		return nil
	}

	var errs []error
	cutoff := time.Now().Add(-maxAge)
	for _, cat := range types.Categories {
		logger := log.WithField("category", cat)
		snap, err := m.storage.Load(cat)
		if err != nil {
			logger.Errorf("Failed to load stored snapshot: %v", err)
			errs = append(errs, fmt.Errorf("load %s snapshot: %w", cat, err))
			continue
		}
		if snap == nil || snap.Refreshed.IsZero() {
			continue
		}
		if maxAge > 0 && snap.Refreshed.Before(cutoff) {
			logger.Infof("Stored snapshot from %s is stale, ignoring", snap.Refreshed.Format(time.RFC3339))
			continue
		}

		snap.Category = cat
		if snap.Proxies == nil {
			snap.Proxies = []types.Endpoint{}
		}
		m.current[cat].Store(snap)
		m.persistMu.Lock()
		m.saved[cat] = snap
		m.persistMu.Unlock()
		logger.Infof("Loaded %d proxies from storage", len(snap.Proxies))
	}
	return errors.Join(errs...)
}

// Close stops background tasks and persists a final time
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopPersist)
		m.pending.Wait()
		if m.storage != nil {
			m.persistAll()
		}
	})
}
