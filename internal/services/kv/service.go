package kv

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/interfaces"
)

var fallbackOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lattice_kv_fallback_operations_total",
	Help: "Key/value operations served by the in-memory fallback because the primary store failed",
}, []string{"op"})

// Service is a KeyValueStorage that prefers a primary (Redis) store and falls
// back to an in-process store when the primary errors. Fallback counters are
// exported so the degradation is visible.
type Service struct {
	primary  interfaces.KeyValueStorage // nil when no Redis is configured
	fallback interfaces.KeyValueStorage
	logger   arbor.ILogger
}

// NewService builds the failover store. redisURL may be empty, in which case
// everything runs on the in-memory store.
func NewService(redisURL string, logger arbor.ILogger) *Service {
	svc := &Service{
		fallback: NewMemoryStore(),
		logger:   logger,
	}

	if redisURL != "" {
		primary, err := NewRedisStore(redisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid Redis configuration, using in-memory key/value store")
		} else {
			svc.primary = primary
			logger.Info().Msg("Key/value store using Redis primary with in-memory fallback")
		}
	} else {
		logger.Info().Msg("No Redis configured, key/value store is in-memory only")
	}

	return svc
}

// NewServiceWith wires explicit stores (tests)
func NewServiceWith(primary, fallback interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{primary: primary, fallback: fallback, logger: logger}
}

func (s *Service) failover(op string, err error) {
	fallbackOps.WithLabelValues(op).Inc()
	s.logger.Warn().Err(err).Str("op", op).Msg("Primary key/value store failed, using fallback")
}

func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s.primary != nil {
		val, err := s.primary.Get(ctx, key)
		if err == nil || err == interfaces.ErrKeyNotFound {
			return val, err
		}
		s.failover("get", err)
	}
	return s.fallback.Get(ctx, key)
}

func (s *Service) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if s.primary != nil {
		if err := s.primary.Set(ctx, key, value, ttl); err != nil {
			s.failover("set", err)
		} else {
			return nil
		}
	}
	return s.fallback.Set(ctx, key, value, ttl)
}

func (s *Service) Delete(ctx context.Context, key string) error {
	if s.primary != nil {
		if err := s.primary.Delete(ctx, key); err != nil {
			s.failover("delete", err)
		}
	}
	return s.fallback.Delete(ctx, key)
}

func (s *Service) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s.primary != nil {
		val, err := s.primary.IncrBy(ctx, key, delta, ttl)
		if err == nil {
			return val, nil
		}
		s.failover("incrby", err)
	}
	return s.fallback.IncrBy(ctx, key, delta, ttl)
}

func (s *Service) ListByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s.primary != nil {
		keys, err := s.primary.ListByPrefix(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		s.failover("list", err)
	}
	return s.fallback.ListByPrefix(ctx, prefix)
}

func (s *Service) Available(ctx context.Context) bool {
	if s.primary != nil {
		return s.primary.Available(ctx)
	}
	return true
}
