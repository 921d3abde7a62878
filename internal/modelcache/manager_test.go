package modelcache_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/maozhuey/speech-to-text-service/internal/modelcache"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr"
	"github.com/maozhuey/speech-to-text-service/pkg/provider/asr/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

// descriptors builds n enabled descriptors named model-0..model-(n-1).
func descriptors(n int) []modelcache.Descriptor {
	out := make([]modelcache.Descriptor, n)
	for i := range n {
		out[i] = modelcache.Descriptor{
			ID:      fmt.Sprintf("model-%d", i),
			Path:    fmt.Sprintf("/models/model-%d.bin", i),
			Kind:    "high-accuracy",
			Enabled: true,
		}
	}
	return out
}

// trackingEngine returns a mock engine that hands out one distinct mock
// handle per model path, plus the map of created handles keyed by path.
func trackingEngine() (*mock.Engine, func(path string) *mock.Handle) {
	var mu sync.Mutex
	handles := make(map[string]*mock.Handle)
	eng := &mock.Engine{}
	eng.LoadFunc = func(_ context.Context, path string) (asr.Handle, error) {
		mu.Lock()
		defer mu.Unlock()
		h := &mock.Handle{}
		handles[path] = h
		return h, nil
	}
	lookup := func(path string) *mock.Handle {
		mu.Lock()
		defer mu.Unlock()
		return handles[path]
	}
	return eng, lookup
}

func newManager(t *testing.T, eng asr.Engine, capacity int, nModels int) *modelcache.Manager {
	t.Helper()
	m, err := modelcache.New(modelcache.Config{
		Engine:      eng,
		Descriptors: descriptors(nModels),
		Capacity:    capacity,
		LoadTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

// ── acquire basics ────────────────────────────────────────────────────────────

func TestAcquire_UnknownModel(t *testing.T) {
	m := newManager(t, &mock.Engine{}, 2, 2)
	_, err := m.Acquire(context.Background(), "no-such-model")
	if !errors.Is(err, modelcache.ErrUnknownModel) {
		t.Fatalf("got %v, want ErrUnknownModel", err)
	}
}

func TestAcquire_DisabledModel(t *testing.T) {
	m, err := modelcache.New(modelcache.Config{
		Engine: &mock.Engine{},
		Descriptors: []modelcache.Descriptor{
			{ID: "off", Path: "/models/off.bin", Enabled: false},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, aerr := m.Acquire(context.Background(), "off")
	if !errors.Is(aerr, modelcache.ErrModelDisabled) {
		t.Fatalf("got %v, want ErrModelDisabled", aerr)
	}
}

func TestAcquire_CachedModelLoadsOnce(t *testing.T) {
	eng, _ := trackingEngine()
	m := newManager(t, eng, 2, 2)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	l1.Release()

	l2, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer l2.Release()

	if got := eng.LoadCount(); got != 1 {
		t.Errorf("loads: got %d, want 1 (second acquire should hit cache)", got)
	}
	if l1.Handle() != l2.Handle() {
		t.Error("second acquire returned a different handle for the cached model")
	}
}

// ── LRU eviction ──────────────────────────────────────────────────────────────

func TestAcquire_EvictsLeastRecentlyUsed(t *testing.T) {
	eng, handle := trackingEngine()
	m := newManager(t, eng, 2, 3)
	ctx := context.Background()

	// Acquire model-0 and model-1; release model-0 before requesting model-2.
	l0, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("acquire model-0: %v", err)
	}
	l1, err := m.Acquire(ctx, "model-1")
	if err != nil {
		t.Fatalf("acquire model-1: %v", err)
	}
	l0.Release()

	// model-1 is still held, so the slot must come from model-0 even though
	// model-1 is the older entry by insertion when both were free.
	l2, err := m.Acquire(ctx, "model-2")
	if err != nil {
		t.Fatalf("acquire model-2: %v", err)
	}
	defer l2.Release()
	defer l1.Release()

	if !handle("/models/model-0.bin").Closed() {
		t.Error("model-0 (released, least recently used) was not evicted")
	}
	if handle("/models/model-1.bin").Closed() {
		t.Error("model-1 (still referenced) was evicted")
	}
}

func TestAcquire_LRUOrderFollowsAccess(t *testing.T) {
	eng, handle := trackingEngine()
	m := newManager(t, eng, 2, 3)
	ctx := context.Background()

	// Load model-0 then model-1, then touch model-0 again so model-1 becomes
	// the least recently used.
	for _, id := range []string{"model-0", "model-1", "model-0"} {
		l, err := m.Acquire(ctx, id)
		if err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
		l.Release()
	}

	l, err := m.Acquire(ctx, "model-2")
	if err != nil {
		t.Fatalf("acquire model-2: %v", err)
	}
	defer l.Release()

	if !handle("/models/model-1.bin").Closed() {
		t.Error("model-1 should have been evicted as least recently used")
	}
	if handle("/models/model-0.bin").Closed() {
		t.Error("model-0 was evicted despite being more recently used")
	}
}

func TestAcquire_CapacityExhaustedWhenAllInUse(t *testing.T) {
	eng, _ := trackingEngine()
	m := newManager(t, eng, 1, 2)
	ctx := context.Background()

	l0, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("acquire model-0: %v", err)
	}
	defer l0.Release()

	_, err = m.Acquire(ctx, "model-1")
	if !errors.Is(err, modelcache.ErrCapacityExhausted) {
		t.Fatalf("got %v, want ErrCapacityExhausted", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	eng, handle := trackingEngine()
	m := newManager(t, eng, 1, 2)
	ctx := context.Background()

	l0, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("acquire model-0: %v", err)
	}
	l0.Release()
	l0.Release() // second release must be a no-op

	// The slot is reusable and eviction still behaves.
	l1, err := m.Acquire(ctx, "model-1")
	if err != nil {
		t.Fatalf("acquire model-1 after double release: %v", err)
	}
	l1.Release()
	if !handle("/models/model-0.bin").Closed() {
		t.Error("model-0 was not evicted to make room for model-1")
	}
}

// ── single-flight loading ─────────────────────────────────────────────────────

func TestAcquire_ConcurrentSameModelLoadsOnce(t *testing.T) {
	eng, _ := trackingEngine()
	slow := &mock.Engine{}
	slow.LoadFunc = func(ctx context.Context, path string) (asr.Handle, error) {
		time.Sleep(50 * time.Millisecond)
		return eng.LoadFunc(ctx, path)
	}
	m := newManager(t, slow, 2, 2)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	handles := make([]asr.Handle, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Acquire(context.Background(), "model-0")
			if err != nil {
				errs[i] = err
				return
			}
			handles[i] = l.Handle()
			l.Release()
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := slow.LoadCount(); got != 1 {
		t.Errorf("loads: got %d, want exactly 1 for concurrent same-id acquires", got)
	}
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
}

func TestAcquire_ConcurrentSameModelSharesFailure(t *testing.T) {
	cause := errors.New("weights corrupted")
	eng := &mock.Engine{LoadErr: cause, LoadDelay: 50 * time.Millisecond}
	m := newManager(t, eng, 2, 2)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Acquire(context.Background(), "model-0")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: got nil error, want load failure", i)
		}
		var le *modelcache.LoadError
		if !errors.As(err, &le) {
			t.Fatalf("caller %d: got %v, want *LoadError", i, err)
		}
		if le.ModelID != "model-0" || !errors.Is(err, cause) {
			t.Fatalf("caller %d: LoadError does not carry the original cause: %v", i, err)
		}
	}
}

func TestAcquire_FailedLoadIsRetryable(t *testing.T) {
	calls := 0
	eng := &mock.Engine{}
	eng.LoadFunc = func(_ context.Context, _ string) (asr.Handle, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient read error")
		}
		return &mock.Handle{}, nil
	}
	m := newManager(t, eng, 2, 2)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "model-0"); err == nil {
		t.Fatal("first acquire: got nil error, want load failure")
	}
	l, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("second acquire after failed load: %v", err)
	}
	l.Release()
}

func TestAcquire_LoadTimeout(t *testing.T) {
	eng := &mock.Engine{LoadDelay: time.Second}
	m, err := modelcache.New(modelcache.Config{
		Engine:      eng,
		Descriptors: descriptors(1),
		Capacity:    1,
		LoadTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, aerr := m.Acquire(context.Background(), "model-0")
	if !errors.Is(aerr, modelcache.ErrLoadTimeout) {
		t.Fatalf("got %v, want ErrLoadTimeout", aerr)
	}
}

func TestAcquire_LoadTimeoutWithUncancellableEngine(t *testing.T) {
	// Engines backed by bindings that cannot abort an in-flight load ignore
	// ctx entirely; the timeout must still fire on schedule and the handle
	// the engine eventually produces must be closed, not cached.
	h := &mock.Handle{}
	eng := &mock.Engine{}
	eng.LoadFunc = func(_ context.Context, _ string) (asr.Handle, error) {
		time.Sleep(400 * time.Millisecond)
		return h, nil
	}
	m, err := modelcache.New(modelcache.Config{
		Engine:      eng,
		Descriptors: descriptors(1),
		Capacity:    1,
		LoadTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, aerr := m.Acquire(context.Background(), "model-0")
	elapsed := time.Since(start)
	if !errors.Is(aerr, modelcache.ErrLoadTimeout) {
		t.Fatalf("got %v, want ErrLoadTimeout", aerr)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("acquire blocked %v, want return near the 30ms timeout", elapsed)
	}

	// The timed-out entry is gone, so the model shows as not loaded.
	if got := m.LoadedModels(); len(got) != 0 {
		t.Errorf("loaded models after timeout: got %v, want empty", got)
	}

	// The orphaned handle is closed once the engine finally returns.
	deadline := time.Now().Add(2 * time.Second)
	for !h.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("handle from timed-out load was never closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcquire_WaiterContextCancelled(t *testing.T) {
	eng := &mock.Engine{LoadDelay: 500 * time.Millisecond}
	m := newManager(t, eng, 2, 2)

	// First caller triggers the slow load.
	go func() {
		l, err := m.Acquire(context.Background(), "model-0")
		if err == nil {
			l.Release()
		}
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "model-0")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded for cancelled waiter", err)
	}
}

// ── eviction safety under load ────────────────────────────────────────────────

// TestAcquire_NeverEvictsInUse drives randomized interleavings of acquire,
// use, and release across more models than the cache can hold, and checks
// that a handle is never closed while a lease on it is outstanding.
func TestAcquire_NeverEvictsInUse(t *testing.T) {
	eng, _ := trackingEngine()
	m := newManager(t, eng, 2, 4)

	const (
		workers    = 8
		iterations = 200
	)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < iterations; i++ {
				id := fmt.Sprintf("model-%d", rng.Intn(4))
				l, err := m.Acquire(context.Background(), id)
				if err != nil {
					// Capacity pressure is expected; only eviction of an
					// in-use model would be a bug.
					if errors.Is(err, modelcache.ErrCapacityExhausted) {
						continue
					}
					t.Errorf("acquire %s: %v", id, err)
					return
				}
				h := l.Handle().(*mock.Handle)
				if h.Closed() {
					t.Errorf("acquire %s returned an already-closed handle", id)
					l.Release()
					return
				}
				if rng.Intn(4) == 0 {
					time.Sleep(time.Duration(rng.Intn(500)) * time.Microsecond)
				}
				if h.Closed() {
					t.Errorf("model %s was evicted while a lease was outstanding", id)
					l.Release()
					return
				}
				l.Release()
			}
		}()
	}
	wg.Wait()
}

// ── shutdown ──────────────────────────────────────────────────────────────────

func TestShutdown_WaitsForLeasesThenUnloads(t *testing.T) {
	eng, handle := trackingEngine()
	m := newManager(t, eng, 2, 2)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "model-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- m.Shutdown(sctx)
	}()

	// The lease is still held; shutdown must not have completed yet.
	time.Sleep(100 * time.Millisecond)
	if handle("/models/model-0.bin").Closed() {
		t.Fatal("model-0 unloaded while its lease was outstanding")
	}

	l.Release()
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !handle("/models/model-0.bin").Closed() {
		t.Error("model-0 not unloaded after drain")
	}

	if _, err := m.Acquire(ctx, "model-1"); !errors.Is(err, modelcache.ErrShuttingDown) {
		t.Errorf("acquire after shutdown: got %v, want ErrShuttingDown", err)
	}
}

func TestShutdown_ForcesUnloadAfterGracePeriod(t *testing.T) {
	eng, handle := trackingEngine()
	m := newManager(t, eng, 2, 2)

	l, err := m.Acquire(context.Background(), "model-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	sctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !handle("/models/model-0.bin").Closed() {
		t.Error("model-0 not force-unloaded after grace period expiry")
	}
}

func TestLoadedModels(t *testing.T) {
	eng, _ := trackingEngine()
	m := newManager(t, eng, 2, 3)
	ctx := context.Background()

	if got := m.LoadedModels(); len(got) != 0 {
		t.Fatalf("fresh manager: got %v, want empty", got)
	}
	l, err := m.Acquire(ctx, "model-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer l.Release()

	got := m.LoadedModels()
	if len(got) != 1 || got[0] != "model-1" {
		t.Errorf("loaded models: got %v, want [model-1]", got)
	}
}
