package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32        // consecutive failures that open the breaker
	OpenTimeout      time.Duration // how long the breaker stays open before probing
	HalfOpenRequests uint32
}

// BreakerStorage fails fast while the wrapped backend keeps erroring, so a
// dead backend does not add its full timeout to every cart mutation.
type BreakerStorage struct {
	inner SnapshotStorage
	cb    *gobreaker.CircuitBreaker[[]byte]
}

func NewBreakerStorage(inner SnapshotStorage, s BreakerSettings, log *zap.Logger) *BreakerStorage {
	if s.Name == "" {
		s.Name = "cart-storage"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	threshold := s.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSnapshotNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("storage circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &BreakerStorage{inner: inner, cb: cb}
}

func (b *BreakerStorage) Load(ctx context.Context, key string) ([]byte, error) {
	return b.cb.Execute(func() ([]byte, error) {
		return b.inner.Load(ctx, key)
	})
}

func (b *BreakerStorage) Save(ctx context.Context, key string, data []byte) error {
	_, err := b.cb.Execute(func() ([]byte, error) {
		return nil, b.inner.Save(ctx, key, data)
	})
	return err
}

func (b *BreakerStorage) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() ([]byte, error) {
		return nil, b.inner.Delete(ctx, key)
	})
	return err
}

func (b *BreakerStorage) State() gobreaker.State {
	return b.cb.State()
}
