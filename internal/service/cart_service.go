package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mart95Dev/glowloops-v4-sub002/internal/metrics"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/storage"
	"github.com/Mart95Dev/glowloops-v4-sub002/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultIdleTTL         = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
)

var ErrInvalidSession = errors.New("session id is required")

type Config struct {
	KeyPrefix       string
	IdleTTL         time.Duration
	CleanupInterval time.Duration
	PersistTimeout  time.Duration
}

type session struct {
	cart     *store.Store
	lastUsed time.Time
}

// CartService owns one cart store per browsing session. Stores stay in memory
// while in use and are dropped after IdleTTL; the next access reopens them
// from storage.
type CartService struct {
	storage storage.SnapshotStorage
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	carts map[string]*session
	sfg   singleflight.Group // collapses concurrent opens of one session

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewCartService(st storage.SnapshotStorage, cfg Config, log *zap.Logger, m *metrics.Metrics) *CartService {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CartService{
		storage:     st,
		cfg:         cfg,
		log:         log,
		metrics:     m,
		now:         time.Now,
		carts:       make(map[string]*session),
		stopCleanup: make(chan struct{}),
	}
}

// Start runs the idle eviction loop until Stop is called.
func (s *CartService) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

func (s *CartService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	s.wg.Wait()
}

func (s *CartService) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.EvictIdle(); n > 0 {
				s.log.Debug("evicted idle carts", zap.Int("count", n))
			}
		case <-s.stopCleanup:
			return
		}
	}
}

// Cart returns the live store for sessionID, opening it on first access.
// A store whose snapshot could not be read is never cached; the error is
// returned and the next call retries.
func (s *CartService) Cart(ctx context.Context, sessionID string) (*store.Store, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	if cart, ok := s.lookup(sessionID); ok {
		return cart, nil
	}

	v, err, _ := s.sfg.Do(sessionID, func() (interface{}, error) {
		if cart, ok := s.lookup(sessionID); ok {
			return cart, nil
		}

		cart, err := store.Open(ctx, storage.Key(s.cfg.KeyPrefix, sessionID), s.storage,
			store.WithLogger(s.log.With(zap.String("session_id", sessionID))),
			store.WithMetrics(s.metrics),
			store.WithPersistTimeout(s.cfg.PersistTimeout),
		)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.carts[sessionID] = &session{cart: cart, lastUsed: s.now()}
		open := len(s.carts)
		s.mu.Unlock()

		s.metrics.SetOpenSessions(open)
		return cart, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Store), nil
}

func (s *CartService) lookup(sessionID string) (*store.Store, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.carts[sessionID]
	if !ok {
		return nil, false
	}
	sess.lastUsed = s.now()
	return sess.cart, true
}

// Reset empties the session's live cart, drops it from memory and deletes
// its snapshot. Used when the session ends (logout, checkout).
func (s *CartService) Reset(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	sess, live := s.carts[sessionID]
	delete(s.carts, sessionID)
	open := len(s.carts)
	s.mu.Unlock()

	if live {
		// requests still holding the store must not see the old lines
		sess.cart.Clear(ctx)
	}
	s.metrics.SetOpenSessions(open)

	timeout := s.cfg.PersistTimeout
	if timeout <= 0 {
		timeout = store.DefaultPersistTimeout
	}
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.storage.Delete(delCtx, storage.Key(s.cfg.KeyPrefix, sessionID)); err != nil {
		return fmt.Errorf("delete cart snapshot: %w", err)
	}

	s.log.Info("cart reset", zap.String("session_id", sessionID))
	return nil
}

// EvictIdle drops stores unused for longer than IdleTTL and reports how many went.
func (s *CartService) EvictIdle() int {
	cutoff := s.now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	evicted := 0
	for id, sess := range s.carts {
		if sess.lastUsed.Before(cutoff) {
			delete(s.carts, id)
			evicted++
		}
	}
	open := len(s.carts)
	s.mu.Unlock()

	if evicted > 0 {
		s.metrics.SetOpenSessions(open)
	}
	return evicted
}

func (s *CartService) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.carts)
}
