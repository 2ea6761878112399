package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/domain"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/metrics"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/storage"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingStorage struct {
	m     sync.RWMutex
	inner *storage.MemoryStorage
	loads int
}

func newCountingStorage() *countingStorage {
	return &countingStorage{inner: storage.NewMemoryStorage()}
}

func (c *countingStorage) Load(ctx context.Context, key string) ([]byte, error) {
	c.m.Lock()
	c.loads++
	c.m.Unlock()
	// slow enough for concurrent callers to pile up behind singleflight
	time.Sleep(5 * time.Millisecond)
	return c.inner.Load(ctx, key)
}

func (c *countingStorage) Save(ctx context.Context, key string, data []byte) error {
	return c.inner.Save(ctx, key, data)
}

func (c *countingStorage) Delete(ctx context.Context, key string) error {
	return c.inner.Delete(ctx, key)
}

func (c *countingStorage) loadCount() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return c.loads
}

type flakyStorage struct {
	m         sync.Mutex
	inner     *storage.MemoryStorage
	loadErr   error
	deleteErr error
}

func (f *flakyStorage) setLoadErr(err error) {
	f.m.Lock()
	defer f.m.Unlock()
	f.loadErr = err
}

func (f *flakyStorage) Load(ctx context.Context, key string) ([]byte, error) {
	f.m.Lock()
	err := f.loadErr
	f.m.Unlock()
	if err != nil {
		return nil, err
	}
	return f.inner.Load(ctx, key)
}

func (f *flakyStorage) Save(ctx context.Context, key string, data []byte) error {
	return f.inner.Save(ctx, key, data)
}

func (f *flakyStorage) Delete(ctx context.Context, key string) error {
	f.m.Lock()
	err := f.deleteErr
	f.m.Unlock()
	if err != nil {
		return err
	}
	return f.inner.Delete(ctx, key)
}

type fakeClock struct {
	m   sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.m.Lock()
	defer f.m.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.m.Lock()
	defer f.m.Unlock()
	f.now = f.now.Add(d)
}

func newTestService(st storage.SnapshotStorage) *CartService {
	return NewCartService(st, Config{KeyPrefix: "test-cart"}, zap.NewNop(), metrics.New())
}

func addRing(t *testing.T, cart *store.Store, qty int) domain.CartLine {
	t.Helper()
	line, err := cart.AddItem(context.Background(), domain.AddItemInput{
		ProductID: "ring",
		Name:      "Ring",
		UnitPrice: decimal.NewFromInt(40),
		Quantity:  &qty,
	})
	require.NoError(t, err)
	return line
}

func TestCart_EmptySession(t *testing.T) {
	sut := newTestService(storage.NewMemoryStorage())

	cart, err := sut.Cart(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidSession)
	assert.Nil(t, cart)
}

func TestCart_ReusesLiveStore(t *testing.T) {
	st := newCountingStorage()
	sut := newTestService(st)
	ctx := context.Background()

	first, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	second, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, st.loadCount())
	assert.Equal(t, 1, sut.OpenSessions())
	assert.Equal(t, "test-cart:s1", first.Key())
}

func TestCart_SessionsAreIsolated(t *testing.T) {
	sut := newTestService(storage.NewMemoryStorage())
	ctx := context.Background()

	a, err := sut.Cart(ctx, "a")
	require.NoError(t, err)
	b, err := sut.Cart(ctx, "b")
	require.NoError(t, err)

	addRing(t, a, 2)

	assert.Equal(t, 2, a.Totals().TotalItems)
	assert.Equal(t, 0, b.Totals().TotalItems)
	assert.Equal(t, 2, sut.OpenSessions())
}

func TestCart_ConcurrentFirstAccessOpensOnce(t *testing.T) {
	st := newCountingStorage()
	sut := newTestService(st)

	var wg sync.WaitGroup
	results := make([]*store.Store, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cart, err := sut.Cart(context.Background(), "shared")
			assert.NoError(t, err)
			results[i] = cart
		}(i)
	}
	wg.Wait()

	for _, cart := range results {
		assert.Same(t, results[0], cart)
	}
	assert.Equal(t, 1, sut.OpenSessions())
}

func TestEvictIdle_ReloadsFromStorage(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	st := newCountingStorage()
	sut := NewCartService(st, Config{IdleTTL: time.Minute}, nil, nil)
	sut.now = clock.Now
	ctx := context.Background()

	cart, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	addRing(t, cart, 3)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, sut.EvictIdle())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, sut.EvictIdle())
	assert.Equal(t, 0, sut.OpenSessions())

	reopened, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	assert.NotSame(t, cart, reopened)
	assert.Equal(t, 3, reopened.Totals().TotalItems)
	assert.Equal(t, 2, st.loadCount())
}

func TestEvictIdle_AccessKeepsSessionAlive(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	sut := NewCartService(storage.NewMemoryStorage(), Config{IdleTTL: time.Minute}, nil, nil)
	sut.now = clock.Now

	_, err := sut.Cart(context.Background(), "s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		clock.Advance(40 * time.Second)
		_, err := sut.Cart(context.Background(), "s1")
		require.NoError(t, err)
		assert.Equal(t, 0, sut.EvictIdle())
	}
}

func TestReset_ClearsAndDeletesSnapshot(t *testing.T) {
	st := storage.NewMemoryStorage()
	sut := newTestService(st)
	ctx := context.Background()

	cart, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	addRing(t, cart, 2)

	require.NoError(t, sut.Reset(ctx, "s1"))
	assert.Equal(t, 0, sut.OpenSessions())
	assert.Empty(t, cart.Lines(), "holders of the old store see it emptied")

	_, err = st.Load(ctx, storage.Key("test-cart", "s1"))
	assert.ErrorIs(t, err, storage.ErrSnapshotNotFound)

	reopened, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, reopened.Lines())
}

func TestReset_DeletesSnapshotOfEvictedSession(t *testing.T) {
	st := storage.NewMemoryStorage()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)}
	sut := NewCartService(st, Config{IdleTTL: time.Minute}, nil, nil)
	sut.now = clock.Now
	ctx := context.Background()

	cart, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	addRing(t, cart, 1)
	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, sut.EvictIdle())

	require.NoError(t, sut.Reset(ctx, "s1"))
	assert.Equal(t, 0, st.Len())
}

func TestReset_UnknownSessionIsFine(t *testing.T) {
	sut := newTestService(storage.NewMemoryStorage())

	require.NoError(t, sut.Reset(context.Background(), "never-seen"))
	assert.ErrorIs(t, sut.Reset(context.Background(), ""), ErrInvalidSession)
}

func TestReset_ReportsDeleteFailure(t *testing.T) {
	st := &flakyStorage{inner: storage.NewMemoryStorage(), deleteErr: errors.New("backend down")}
	sut := newTestService(st)

	err := sut.Reset(context.Background(), "s1")
	assert.ErrorContains(t, err, "backend down")
}

func TestCart_CancelledFirstAccessKeepsStoredCart(t *testing.T) {
	st := storage.NewMemoryStorage()
	ctx := context.Background()

	seed := newTestService(st)
	cart, err := seed.Cart(ctx, "s1")
	require.NoError(t, err)
	ring := addRing(t, cart, 1)

	sut := newTestService(st)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	reopened, err := sut.Cart(cancelled, "s1")
	require.NoError(t, err)
	require.Len(t, reopened.Lines(), 1)

	_, err = reopened.AddItem(ctx, domain.AddItemInput{ProductID: "hoop", UnitPrice: decimal.NewFromInt(15)})
	require.NoError(t, err)

	data, err := st.Load(ctx, storage.Key("test-cart", "s1"))
	require.NoError(t, err)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Len(t, snap.Lines, 2)
	assert.Equal(t, ring.LineID, snap.Lines[0].LineID)
}

func TestCart_LoadFailureIsNotCached(t *testing.T) {
	inner := storage.NewMemoryStorage()
	ctx := context.Background()
	seed := newTestService(inner)
	cart, err := seed.Cart(ctx, "s1")
	require.NoError(t, err)
	addRing(t, cart, 2)

	st := &flakyStorage{inner: inner, loadErr: errors.New("connection refused")}
	sut := newTestService(st)

	_, err = sut.Cart(ctx, "s1")
	assert.ErrorIs(t, err, store.ErrLoadFailed)
	assert.Equal(t, 0, sut.OpenSessions())

	st.setLoadErr(nil)
	reopened, err := sut.Cart(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Totals().TotalItems)
}

func TestStartStop(t *testing.T) {
	sut := NewCartService(storage.NewMemoryStorage(), Config{IdleTTL: time.Millisecond, CleanupInterval: 5 * time.Millisecond}, nil, nil)
	sut.Start()
	defer sut.Stop()

	_, err := sut.Cart(context.Background(), "s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sut.OpenSessions() == 0
	}, time.Second, 10*time.Millisecond, "idle cart was not evicted")

	sut.Stop()
	sut.Stop()
}
