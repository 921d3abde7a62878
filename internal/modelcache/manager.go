// Package modelcache manages the lifecycle of loaded recognition models.
//
// A Manager maps model ids to loaded asr.Handle values under a bounded
// capacity with strict least-recently-used eviction. It is the only shared
// mutable resource in the pipeline: every session acquires its model through
// the same Manager, so all state transitions happen under one mutex. The slow
// part — the load itself — runs outside that mutex, so sessions acquiring
// different, already-cached models never wait on someone else's load. Only
// callers asking for the same id suspend until its load settles.
//
// Handles are borrowed, never owned: Acquire returns a Lease whose Handle is
// valid until Release. A model with outstanding leases is never evicted;
// eviction happens lazily, on the next Acquire that needs the slot, which
// avoids thrashing when a model is released and immediately re-acquired.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/maozhuey/speech-to-text-service/internal/observe"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr"
)

const (
	// DefaultCapacity is the default number of concurrently loaded models.
	DefaultCapacity = 2

	// DefaultLoadTimeout bounds a single model load.
	DefaultLoadTimeout = 30 * time.Second

	// drainPollInterval is how often Shutdown re-checks outstanding leases.
	drainPollInterval = 50 * time.Millisecond
)

// Descriptor describes one configured recognition model. Immutable after
// configuration load.
type Descriptor struct {
	// ID is the unique model identifier clients select at connect time.
	ID string

	// DisplayName is a human-readable name for logs and the info endpoint.
	DisplayName string

	// Path is the model file location on disk.
	Path string

	// Kind distinguishes e.g. low-latency from high-accuracy models.
	Kind string

	// Enabled gates whether the model may be acquired.
	Enabled bool
}

// entryState is the lifecycle phase of a cache entry. Transitions are
// monotonic: loading → ready → unloading.
type entryState int

const (
	stateLoading entryState = iota
	stateReady
	stateUnloading
)

// entry is one cached model. All fields except ready/loadErr (written once
// before ready closes) are guarded by the Manager mutex.
type entry struct {
	desc     Descriptor
	state    entryState
	handle   asr.Handle
	refCount int
	lastUsed uint64

	// ready is closed when the load settles, successfully or not. Waiters
	// block on it instead of the Manager mutex.
	ready chan struct{}

	// loadErr is the load failure shared by all waiters; nil on success.
	loadErr error
}

// Config holds Manager construction parameters.
type Config struct {
	// Engine performs the actual model loads.
	Engine asr.Engine

	// Descriptors is the configured model set, keyed lookups by Descriptor.ID.
	Descriptors []Descriptor

	// Capacity is the maximum number of concurrently loaded (or loading)
	// models. Defaults to DefaultCapacity when <= 0.
	Capacity int

	// LoadTimeout bounds each model load. Defaults to DefaultLoadTimeout
	// when <= 0.
	LoadTimeout time.Duration

	// Metrics receives load/eviction instrumentation. May be nil.
	Metrics *observe.Metrics
}

// Manager is the process-wide model cache. All exported methods are safe for
// concurrent use.
type Manager struct {
	engine      asr.Engine
	descriptors map[string]Descriptor
	capacity    int
	loadTimeout time.Duration
	metrics     *observe.Metrics

	mu           sync.Mutex
	entries      map[string]*entry
	seq          uint64
	shuttingDown bool
}

// New creates a Manager over the given engine and model descriptors.
func New(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, errors.New("modelcache: engine must not be nil")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}

	descs := make(map[string]Descriptor, len(cfg.Descriptors))
	for _, d := range cfg.Descriptors {
		if d.ID == "" {
			return nil, errors.New("modelcache: descriptor with empty id")
		}
		if _, dup := descs[d.ID]; dup {
			return nil, fmt.Errorf("modelcache: duplicate model id %q", d.ID)
		}
		descs[d.ID] = d
	}

	return &Manager{
		engine:      cfg.Engine,
		descriptors: descs,
		capacity:    cfg.Capacity,
		loadTimeout: cfg.LoadTimeout,
		metrics:     cfg.Metrics,
		entries:     make(map[string]*entry),
	}, nil
}

// Lease is a borrowed reference to a cached model. The Handle is valid until
// Release; callers must release on every exit path and must not retain the
// Handle afterwards. Release is idempotent.
type Lease struct {
	m      *Manager
	e      *entry
	handle asr.Handle
	once   sync.Once
}

// Handle returns the borrowed model handle.
func (l *Lease) Handle() asr.Handle { return l.handle }

// ModelID returns the id of the leased model.
func (l *Lease) ModelID() string { return l.e.desc.ID }

// Release returns the lease. The model stays cached; unloading only happens
// lazily when a later Acquire needs the slot.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.e.refCount--
		l.m.mu.Unlock()
	})
}

// Acquire returns a Lease on the model with the given id, loading it first if
// necessary. If another caller is already loading the same model, Acquire
// suspends until that load settles and shares its outcome. If the cache is at
// capacity, the least recently used unreferenced model is evicted to make
// room; if every cached model is in use, Acquire fails with
// ErrCapacityExhausted rather than evict an active model.
//
// ctx cancellation aborts waiting, not an in-flight load: a load triggered
// here keeps running under the configured load timeout so that other waiters
// can still benefit from it.
func (m *Manager) Acquire(ctx context.Context, modelID string) (*Lease, error) {
	desc, ok := m.descriptors[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	if !desc.Enabled {
		return nil, fmt.Errorf("%w: %q", ErrModelDisabled, modelID)
	}

	for {
		m.mu.Lock()
		if m.shuttingDown {
			m.mu.Unlock()
			return nil, ErrShuttingDown
		}

		if e, ok := m.entries[modelID]; ok {
			switch e.state {
			case stateReady:
				e.refCount++
				m.seq++
				e.lastUsed = m.seq
				l := &Lease{m: m, e: e, handle: e.handle}
				m.mu.Unlock()
				return l, nil

			case stateLoading:
				ready := e.ready
				m.mu.Unlock()
				select {
				case <-ready:
					if e.loadErr != nil {
						return nil, e.loadErr
					}
					// Load succeeded; retry against the now-ready entry. It
					// may have been evicted in the meantime, in which case
					// the retry triggers a fresh load.
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}

			default:
				// Unloading entries are removed from the map under the same
				// lock that marks them, so this state is unreachable here.
				m.mu.Unlock()
				return nil, fmt.Errorf("modelcache: entry %q in unexpected state", modelID)
			}
		}

		// Not cached. Make room if needed, then load.
		evicted, err := m.makeRoomLocked()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		e := &entry{
			desc:  desc,
			state: stateLoading,
			ready: make(chan struct{}),
		}
		m.entries[modelID] = e
		m.mu.Unlock()

		if evicted != nil {
			m.unload(evicted)
		}

		return m.load(e)
	}
}

// makeRoomLocked evicts the least recently used unreferenced ready entry when
// the cache is at capacity. It returns the victim (already removed from the
// map, to be unloaded outside the lock) or ErrCapacityExhausted when nothing
// is evictable. Caller must hold m.mu.
func (m *Manager) makeRoomLocked() (*entry, error) {
	if len(m.entries) < m.capacity {
		return nil, nil
	}

	// Capacity is small (1–4), so a full scan per eviction is fine.
	var victim *entry
	for _, e := range m.entries {
		if e.state != stateReady || e.refCount > 0 {
			continue
		}
		if victim == nil || e.lastUsed < victim.lastUsed {
			victim = e
		}
	}
	if victim == nil {
		return nil, ErrCapacityExhausted
	}

	victim.state = stateUnloading
	delete(m.entries, victim.desc.ID)
	return victim, nil
}

// unload closes a victim's handle outside the Manager mutex.
func (m *Manager) unload(e *entry) {
	slog.Info("evicting model", "model", e.desc.ID)
	if err := e.handle.Close(); err != nil {
		slog.Warn("model unload error", "model", e.desc.ID, "err", err)
	}
	if m.metrics != nil {
		m.metrics.ModelEvictions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("model", e.desc.ID)))
	}
}

// load performs the slow model load for a freshly inserted loading entry,
// then publishes the outcome to all waiters. Runs outside the Manager mutex.
//
// The load deadline is independent of any caller context so that one caller's
// cancellation cannot fail the load for everyone else waiting on it. The
// timeout is enforced here, not delegated to the engine: backends whose
// bindings cannot abort an in-flight load (whisper.cpp checks ctx only before
// loading) still time out on schedule, and the orphaned handle is closed
// whenever the load eventually returns.
func (m *Manager) load(e *entry) (*Lease, error) {
	modelID := e.desc.ID
	slog.Info("loading model", "model", modelID, "path", e.desc.Path, "kind", e.desc.Kind)
	start := time.Now()

	loadCtx, cancel := context.WithTimeout(context.Background(), m.loadTimeout)
	defer cancel()

	type loadResult struct {
		handle asr.Handle
		err    error
	}
	// Buffered so a load returning after the deadline never leaks the
	// goroutine.
	done := make(chan loadResult, 1)
	go func() {
		h, lerr := m.engine.Load(loadCtx, e.desc.Path)
		done <- loadResult{handle: h, err: lerr}
	}()

	var handle asr.Handle
	var err error
	select {
	case r := <-done:
		handle, err = r.handle, r.err
	case <-loadCtx.Done():
		err = loadCtx.Err()
		go func() {
			r := <-done
			if r.handle == nil {
				return
			}
			slog.Info("closing model handle from timed-out load", "model", modelID)
			if cerr := r.handle.Close(); cerr != nil {
				slog.Warn("model unload error after load timeout", "model", modelID, "err", cerr)
			}
		}()
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %q after %s", ErrLoadTimeout, modelID, m.loadTimeout)
		} else {
			err = &LoadError{ModelID: modelID, Err: err}
		}

		m.mu.Lock()
		e.loadErr = err
		delete(m.entries, modelID)
		close(e.ready)
		m.mu.Unlock()

		slog.Error("model load failed", "model", modelID, "err", err)
		if m.metrics != nil {
			m.metrics.ModelLoadFailures.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("model", modelID)))
		}
		return nil, err
	}

	m.mu.Lock()
	if m.shuttingDown {
		delete(m.entries, modelID)
		e.loadErr = ErrShuttingDown
		close(e.ready)
		m.mu.Unlock()
		if cerr := handle.Close(); cerr != nil {
			slog.Warn("model unload error during shutdown", "model", modelID, "err", cerr)
		}
		return nil, ErrShuttingDown
	}
	e.handle = handle
	e.state = stateReady
	e.refCount = 1
	m.seq++
	e.lastUsed = m.seq
	close(e.ready)
	l := &Lease{m: m, e: e, handle: handle}
	m.mu.Unlock()

	elapsed := time.Since(start)
	slog.Info("model loaded", "model", modelID, "elapsed", elapsed)
	if m.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("model", modelID))
		m.metrics.ModelLoads.Add(context.Background(), 1, attrs)
		m.metrics.ModelLoadDuration.Record(context.Background(), elapsed.Seconds(), attrs)
	}
	return l, nil
}

// LoadedModels returns the ids of currently ready models, for the health
// endpoint. Order is unspecified.
func (m *Manager) LoadedModels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		if e.state == stateReady {
			ids = append(ids, id)
		}
	}
	return ids
}

// Shutdown drains the cache: new Acquire calls fail immediately, outstanding
// leases are waited for until ctx expires, then every entry is unloaded. If
// the grace period runs out with leases still held, the handles are closed
// anyway and the forced release is logged.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for !m.drained() {
		select {
		case <-ctx.Done():
			slog.Warn("modelcache: shutdown grace period expired, force-releasing models")
			return m.unloadAll()
		case <-ticker.C:
		}
	}
	return m.unloadAll()
}

// drained reports whether no entry is loading or referenced.
func (m *Manager) drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.state == stateLoading || e.refCount > 0 {
			return false
		}
	}
	return true
}

// unloadAll closes every remaining handle and empties the cache.
func (m *Manager) unloadAll() error {
	m.mu.Lock()
	victims := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		if e.state != stateReady {
			continue
		}
		e.state = stateUnloading
		delete(m.entries, id)
		victims = append(victims, e)
	}
	m.mu.Unlock()

	var errs []error
	for _, e := range victims {
		if err := e.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unload %q: %w", e.desc.ID, err))
		}
		slog.Info("model unloaded", "model", e.desc.ID)
	}
	return errors.Join(errs...)
}
