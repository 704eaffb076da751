package abtree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy-groupware/framework/log"
)

// Status is a base's lifecycle state, per spec §3/§4.4.
type Status int

const (
	StatusConstructing Status = iota
	StatusLiving
	StatusDestructing
)

// Base is a rooted forest for one organisation (id > 0) or one domain
// (id < 0). All mutable state is guarded by mu; Arena and GAL are only
// ever mutated while Status == StatusConstructing and RefCount == 0 (spec
// §5 "shared resources").
type Base struct {
	ID     int64
	GUID   uuid.UUID
	Status Status

	mu        sync.Mutex
	refCount  int
	loadedAt  time.Time
	arena     []*Node
	gal       []*Node
	remoteMu  sync.Mutex
	remotes   []*Node
	uidIndex  map[int64]*Node
	minIndex  map[MinID]*Node
	dnIndex   map[string]*Node
}

// Handle is a reference-counted view of a Base. Its Release method must
// be called exactly once, mirroring get_base's contract that the
// returned handle's destructor decrements the reference count (spec
// §4.4).
type Handle struct {
	base     *Base
	released bool
}

// Release decrements the base's reference count. Safe to call multiple
// times; only the first call has effect.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.base.mu.Lock()
	h.base.refCount--
	h.base.mu.Unlock()
}

// Base returns the underlying Base for queries.
func (h *Handle) Base() *Base { return h.base }

func newBase(id int64, guid uuid.UUID) *Base {
	return &Base{ID: id, GUID: guid, Status: StatusConstructing}
}

func (b *Base) installTree(res *buildResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.arena = res.arena
	b.gal = res.gal
	b.uidIndex = map[int64]*Node{}
	b.minIndex = map[MinID]*Node{}
	b.dnIndex = map[string]*Node{}
	for _, n := range b.arena {
		b.minIndex[n.MinID] = n
		if id := nodeID(n); id != 0 {
			b.uidIndex[id] = n
		}
		b.dnIndex[NodeToDN(b, n)] = n
	}
	b.loadedAt = time.Now()
}

// Age reports how long ago the base was last (re)loaded.
func (b *Base) Age() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.loadedAt)
}

// RefCount reports the current number of live handles, for the
// background scanner's "reference count is zero" check.
func (b *Base) RefCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refCount
}

// GAL returns the flat, display-name-sorted Global Address List slice
// contributed by this base.
func (b *Base) GAL() []*Node {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gal
}

// Manager is the process-wide base cache (spec §4.4 lifecycle, §5 "shared
// resources"): a fixed-capacity map guarded by one mutex, with a
// background TTL scanner. The zero value is not usable; construct with
// NewManager.
type Manager struct {
	dir Directory
	log log.Logger

	mu       sync.Mutex
	bases    map[int64]*Base
	maxBases int

	ttl         time.Duration
	retryWait   time.Duration
	maxRetries  int
	guidSeed    uuid.UUID

	stop chan struct{}
	wg   sync.WaitGroup
}

// ManagerConfig tunes the cache; zero values fall back to the defaults
// observed in the source (60 one-second retries, see spec §5).
type ManagerConfig struct {
	MaxBases int
	TTL      time.Duration
	GUIDSeed uuid.UUID
}

// NewManager constructs a base cache backed by dir.
func NewManager(dir Directory, logger log.Logger, cfg ManagerConfig) *Manager {
	if cfg.MaxBases <= 0 {
		cfg.MaxBases = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	seed := cfg.GUIDSeed
	if seed == uuid.Nil {
		seed = baseGUIDNamespace
	}
	return &Manager{
		dir:        dir,
		log:        logger,
		bases:      map[int64]*Base{},
		maxBases:   cfg.MaxBases,
		ttl:        cfg.TTL,
		retryWait:  time.Second,
		maxRetries: 60,
		guidSeed:   seed,
		stop:       make(chan struct{}),
	}
}

// GetBase returns a reference-counted Handle to the base for id, loading
// it if absent. A concurrent caller finding the entry StatusConstructing
// waits with a bounded retry (<= 60s total), per spec §4.4/§5.
func (m *Manager) GetBase(ctx context.Context, id int64) (*Handle, error) {
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		b, ok := m.bases[id]
		if !ok {
			if len(m.bases) >= m.maxBases {
				m.mu.Unlock()
				return nil, fmt.Errorf("abtree: base cache at capacity (%d)", m.maxBases)
			}
			b = newBase(id, BaseGUID(m.guidSeed, id))
			m.bases[id] = b
			m.mu.Unlock()
			if err := m.populate(ctx, b); err != nil {
				m.mu.Lock()
				delete(m.bases, id)
				m.mu.Unlock()
				return nil, err
			}
			b.mu.Lock()
			b.refCount++
			b.mu.Unlock()
			return &Handle{base: b}, nil
		}
		m.mu.Unlock()

		b.mu.Lock()
		status := b.Status
		b.mu.Unlock()
		if status != StatusConstructing {
			b.mu.Lock()
			b.refCount++
			b.mu.Unlock()
			return &Handle{base: b}, nil
		}
		if attempt >= m.maxRetries {
			return nil, fmt.Errorf("abtree: base %d still constructing after %d retries", id, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryWait):
		}
	}
}

func (m *Manager) populate(ctx context.Context, b *Base) error {
	res, err := loadBase(ctx, m.dir, b.ID)
	if err != nil {
		return err
	}
	b.installTree(res)
	b.mu.Lock()
	b.Status = StatusLiving
	b.mu.Unlock()
	return nil
}

// StartScanner launches the background TTL scanner: periodically, for
// every living base whose age exceeds the cache TTL and whose reference
// count is zero, it flips state to constructing, rebuilds the tree, then
// flips back to living (spec §4.4). Call Stop to halt it.
func (m *Manager) StartScanner(ctx context.Context, every time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-t.C:
				m.sweep(ctx)
			}
		}
	}()
}

// Stop halts the background scanner and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.Lock()
	candidates := make([]*Base, 0, len(m.bases))
	for _, b := range m.bases {
		candidates = append(candidates, b)
	}
	m.mu.Unlock()

	for _, b := range candidates {
		b.mu.Lock()
		stale := b.Status == StatusLiving && time.Since(b.loadedAt) > m.ttl && b.refCount == 0
		if stale {
			b.Status = StatusConstructing
		}
		b.mu.Unlock()
		if !stale {
			continue
		}
		if err := m.populate(ctx, b); err != nil {
			m.log.Error("abtree: base reload failed", err, "base", b.ID)
			b.mu.Lock()
			b.Status = StatusLiving
			b.mu.Unlock()
		}
	}
}
