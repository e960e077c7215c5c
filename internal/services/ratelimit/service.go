package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"golang.org/x/time/rate"
)

var refusedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lattice_ratelimit_refused_total",
	Help: "Requests refused by the rate limiter",
}, []string{"class"})

// bucketTTL bounds how long idle bucket state survives in the KV store
const bucketTTL = 10 * time.Minute

// bucketState is the persisted token bucket, schema-versioned alongside the
// other KV records.
type bucketState struct {
	Tokens    float64   `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service is token-bucket admission keyed by (principal, route class).
// Bucket state lives in the KV store; on KV failure a local x/time/rate
// limiter takes over so admission never blocks on Redis.
type Service struct {
	kv     interfaces.KeyValueStorage
	logger arbor.ILogger
	locks  *common.KeyedMutex

	limits map[interfaces.RouteClass]int // tokens per minute

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewService creates the rate limiter with per-minute refill rates per route
// class.
func NewService(kv interfaces.KeyValueStorage, submitPerMin, readPerMin, downloadPerMin int, logger arbor.ILogger) *Service {
	return &Service{
		kv:     kv,
		logger: logger,
		locks:  common.NewKeyedMutex(),
		limits: map[interfaces.RouteClass]int{
			interfaces.RouteClassSubmit:   submitPerMin,
			interfaces.RouteClassRead:     readPerMin,
			interfaces.RouteClassDownload: downloadPerMin,
		},
		local: make(map[string]*rate.Limiter),
	}
}

func bucketKey(principal string, class interfaces.RouteClass) string {
	return fmt.Sprintf("ratelimit:%s:%s", class, principal)
}

func (s *Service) Allow(ctx context.Context, principal string, class interfaces.RouteClass) (bool, time.Duration, error) {
	perMinute, ok := s.limits[class]
	if !ok || perMinute <= 0 {
		return true, 0, nil
	}

	allowed, retryAfter, err := s.allowKV(ctx, principal, class, perMinute)
	if err != nil {
		s.logger.Warn().Err(err).Str("principal", principal).Msg("Rate limiter falling back to local bucket")
		allowed, retryAfter = s.allowLocal(principal, class, perMinute)
	}

	if !allowed {
		refusedTotal.WithLabelValues(string(class)).Inc()
	}
	return allowed, retryAfter, nil
}

// allowKV runs the token bucket against the shared KV store. The
// read-modify-write is serialized per key within this process; cross-instance
// overlap can over-admit by at most one token per instance.
func (s *Service) allowKV(ctx context.Context, principal string, class interfaces.RouteClass, perMinute int) (bool, time.Duration, error) {
	key := bucketKey(principal, class)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	now := time.Now().UTC()
	refillPerSec := float64(perMinute) / 60.0
	burst := float64(perMinute)

	state := bucketState{Tokens: burst, UpdatedAt: now}
	raw, err := s.kv.Get(ctx, key)
	if err == nil {
		if uerr := json.Unmarshal([]byte(raw), &state); uerr != nil {
			state = bucketState{Tokens: burst, UpdatedAt: now}
		} else {
			elapsed := now.Sub(state.UpdatedAt).Seconds()
			state.Tokens += elapsed * refillPerSec
			if state.Tokens > burst {
				state.Tokens = burst
			}
		}
	} else if err != interfaces.ErrKeyNotFound {
		return false, 0, err
	}

	allowed := state.Tokens >= 1
	var retryAfter time.Duration
	if allowed {
		state.Tokens--
	} else {
		retryAfter = time.Duration((1 - state.Tokens) / refillPerSec * float64(time.Second))
	}
	state.UpdatedAt = now

	data, err := json.Marshal(state)
	if err != nil {
		return false, 0, err
	}
	if err := s.kv.Set(ctx, key, string(data), bucketTTL); err != nil {
		return false, 0, err
	}
	return allowed, retryAfter, nil
}

// allowLocal serves admission from an in-process limiter while the KV store
// is down.
func (s *Service) allowLocal(principal string, class interfaces.RouteClass, perMinute int) (bool, time.Duration) {
	key := bucketKey(principal, class)

	s.mu.Lock()
	lim, ok := s.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
		s.local[key] = lim
	}
	s.mu.Unlock()

	reservation := lim.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}
