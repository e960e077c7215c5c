package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

var failOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lattice_quota_fail_open_total",
	Help: "Quota decisions allowed because the key/value store was unavailable",
})

// staleReservationGrace is how long past its estimated completion an active
// reservation survives before the sweep reclaims it.
const staleReservationGrace = 6 * time.Hour

// Ledger implements interfaces.QuotaLedger on the key/value store. Accounts
// live under quota:{user_id}; active reservations under
// reservation:{user_id}:{job_id}. KV errors never deny traffic: the ledger
// fails open and counts it.
type Ledger struct {
	kv          interfaces.KeyValueStorage
	logger      arbor.ILogger
	locks       *common.KeyedMutex
	defaultTier models.UserTier
	ttl         time.Duration
}

// NewLedger creates the quota ledger
func NewLedger(kv interfaces.KeyValueStorage, defaultTier string, ttlDays int, logger arbor.ILogger) *Ledger {
	if ttlDays <= 0 {
		ttlDays = 32
	}
	return &Ledger{
		kv:          kv,
		logger:      logger,
		locks:       common.NewKeyedMutex(),
		defaultTier: models.UserTier(defaultTier),
		ttl:         time.Duration(ttlDays) * 24 * time.Hour,
	}
}

func quotaKey(userID string) string {
	return "quota:" + userID
}

func reservationKey(userID, jobID string) string {
	return fmt.Sprintf("reservation:%s:%s", userID, jobID)
}

func (l *Ledger) GetQuota(ctx context.Context, userID string) (*models.UserQuota, error) {
	raw, err := l.kv.Get(ctx, quotaKey(userID))
	if err == interfaces.ErrKeyNotFound {
		quota := newQuotaForTier(userID, l.defaultTier)
		if err := l.saveQuota(ctx, quota); err != nil {
			return nil, err
		}
		return quota, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quota for %s: %w", userID, err)
	}

	var quota models.UserQuota
	if err := json.Unmarshal([]byte(raw), &quota); err != nil {
		return nil, fmt.Errorf("failed to decode quota for %s: %w", userID, err)
	}

	if l.applyResets(&quota, time.Now().UTC()) {
		if err := l.saveQuota(ctx, &quota); err != nil {
			l.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist quota reset")
		}
	}
	return &quota, nil
}

func (l *Ledger) saveQuota(ctx context.Context, quota *models.UserQuota) error {
	quota.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(quota)
	if err != nil {
		return err
	}
	return l.kv.Set(ctx, quotaKey(quota.UserID), string(data), l.ttl)
}

// applyResets zeroes counters whose reset period has elapsed
func (l *Ledger) applyResets(quota *models.UserQuota, now time.Time) bool {
	changed := false
	for kind, res := range quota.Resources {
		if res.ShouldReset(now) {
			res.Used = 0
			res.LastResetAt = now
			quota.Resources[kind] = res
			changed = true
		}
	}
	return changed
}

func (l *Ledger) CheckAvailability(ctx context.Context, userID string, est *models.ResourceEstimate) (*models.QuotaCheck, error) {
	quota, err := l.GetQuota(ctx, userID)
	if err != nil {
		failOpenTotal.Inc()
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("Quota check failing open")
		return &models.QuotaCheck{Allowed: true}, nil
	}

	required := l.requirements(est)
	check := &models.QuotaCheck{Allowed: true, Snapshot: quota.Resources}
	now := time.Now().UTC()

	for kind, need := range required {
		res, ok := quota.Resources[kind]
		if !ok {
			continue
		}
		if need > res.Available() {
			v := models.QuotaViolation{
				Resource:  kind,
				Required:  need,
				Available: res.Available(),
				Limit:     res.Limit,
			}
			if res.ResetPeriodDays > 0 {
				resetAt := res.LastResetAt.Add(time.Duration(res.ResetPeriodDays) * 24 * time.Hour)
				if remaining := resetAt.Sub(now); remaining > 0 {
					v.ResetsInSec = int64(remaining.Seconds())
				}
			}
			check.Allowed = false
			check.Violations = append(check.Violations, v)
			continue
		}
		if res.SoftLimitPct > 0 && res.Limit > 0 {
			projected := (res.Used + need) / res.Limit
			if projected >= res.SoftLimitPct {
				check.Warnings = append(check.Warnings, models.QuotaWarning{
					Resource:     kind,
					ProjectedPct: projected,
					SoftLimitPct: res.SoftLimitPct,
				})
			}
		}
	}

	return check, nil
}

// requirements maps an estimate onto per-resource demand
func (l *Ledger) requirements(est *models.ResourceEstimate) map[models.ResourceKind]float64 {
	req := map[models.ResourceKind]float64{
		models.ResourceGPUMinutes:     est.GPUMinutes,
		models.ResourceStorageGB:      est.StorageGB,
		models.ResourceConcurrentJobs: float64(est.Units),
		models.ResourceMonthlyJobs:    float64(est.Units),
	}
	if est.IsBatch {
		req[models.ResourceConcurrentBatches] = 1
	}
	return req
}

func (l *Ledger) Reserve(ctx context.Context, userID string, est *models.ResourceEstimate, jobID string) error {
	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	quota, err := l.GetQuota(ctx, userID)
	if err != nil {
		failOpenTotal.Inc()
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("Quota reserve failing open")
		return nil
	}

	for kind, need := range l.requirements(est) {
		res, ok := quota.Resources[kind]
		if !ok {
			continue
		}
		res.Used += need
		quota.Resources[kind] = res
	}
	if err := l.saveQuota(ctx, quota); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist quota reservation")
		return nil
	}

	now := time.Now().UTC()
	reservation := models.ActiveReservation{
		JobID:               jobID,
		Estimate:            *est,
		ReservedAt:          now,
		EstimatedCompletion: now.Add(time.Duration(est.GPUMinutes * float64(time.Minute))),
	}
	data, err := json.Marshal(reservation)
	if err != nil {
		return err
	}
	if err := l.kv.Set(ctx, reservationKey(userID, jobID), string(data), l.ttl); err != nil {
		l.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to persist active reservation")
	}

	l.logger.Debug().
		Str("user_id", userID).
		Str("job_id", jobID).
		Float64("gpu_minutes", est.GPUMinutes).
		Int("units", est.Units).
		Msg("Quota reserved")
	return nil
}

func (l *Ledger) Release(ctx context.Context, userID, jobID string, actual *models.ActualUsage) error {
	l.locks.Lock(userID)
	defer l.locks.Unlock(userID)

	raw, err := l.kv.Get(ctx, reservationKey(userID, jobID))
	if err == interfaces.ErrKeyNotFound {
		// Already released (duplicate webhook, reconciler overlap)
		return nil
	}
	if err != nil {
		failOpenTotal.Inc()
		l.logger.Warn().Err(err).Str("job_id", jobID).Msg("Quota release failing open")
		return nil
	}

	var reservation models.ActiveReservation
	if err := json.Unmarshal([]byte(raw), &reservation); err != nil {
		return fmt.Errorf("failed to decode reservation for %s: %w", jobID, err)
	}

	quota, err := l.GetQuota(ctx, userID)
	if err != nil {
		return nil
	}

	l.applyRelease(quota, &reservation, actual)

	if err := l.saveQuota(ctx, quota); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist quota release")
	}
	if err := l.kv.Delete(ctx, reservationKey(userID, jobID)); err != nil {
		l.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to delete reservation")
	}
	return nil
}

// applyRelease drops concurrency holds and adjusts cumulative counters by
// the actual-vs-estimate delta when actuals were reported.
func (l *Ledger) applyRelease(quota *models.UserQuota, reservation *models.ActiveReservation, actual *models.ActualUsage) {
	est := reservation.Estimate

	decrement := func(kind models.ResourceKind, by float64) {
		res, ok := quota.Resources[kind]
		if !ok {
			return
		}
		res.Used -= by
		if res.Used < 0 {
			res.Used = 0
		}
		quota.Resources[kind] = res
	}

	decrement(models.ResourceConcurrentJobs, float64(est.Units))
	if est.IsBatch {
		decrement(models.ResourceConcurrentBatches, 1)
	}

	if actual != nil {
		adjust := func(kind models.ResourceKind, delta float64) {
			res, ok := quota.Resources[kind]
			if !ok {
				return
			}
			res.Used += delta
			if res.Used < 0 {
				res.Used = 0
			}
			quota.Resources[kind] = res
		}
		adjust(models.ResourceGPUMinutes, actual.GPUMinutes-est.GPUMinutes)
		adjust(models.ResourceStorageGB, actual.StorageGB-est.StorageGB)
	}
}

func (l *Ledger) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	quotaKeys, err := l.kv.ListByPrefix(ctx, "quota:")
	if err != nil {
		l.logger.Warn().Err(err).Msg("Quota sweep could not list accounts")
		return nil
	}
	for _, key := range quotaKeys {
		raw, err := l.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var quota models.UserQuota
		if err := json.Unmarshal([]byte(raw), &quota); err != nil {
			continue
		}
		if l.applyResets(&quota, now) {
			if err := l.saveQuota(ctx, &quota); err != nil {
				l.logger.Warn().Err(err).Str("user_id", quota.UserID).Msg("Failed to persist sweep reset")
			}
		}
	}

	reservationKeys, err := l.kv.ListByPrefix(ctx, "reservation:")
	if err != nil {
		return nil
	}
	stale := 0
	for _, key := range reservationKeys {
		raw, err := l.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var reservation models.ActiveReservation
		if err := json.Unmarshal([]byte(raw), &reservation); err != nil {
			continue
		}
		if now.After(reservation.EstimatedCompletion.Add(staleReservationGrace)) {
			userID, jobID := splitReservationKey(key)
			if userID != "" {
				if err := l.Release(ctx, userID, jobID, nil); err != nil {
					l.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to release stale reservation")
					continue
				}
				stale++
			}
		}
	}
	if stale > 0 {
		l.logger.Info().Int("released", stale).Msg("Quota sweep released stale reservations")
	}
	return nil
}

// splitReservationKey parses reservation:{user_id}:{job_id}
func splitReservationKey(key string) (userID, jobID string) {
	const prefix = "reservation:"
	if len(key) <= len(prefix) {
		return "", ""
	}
	rest := key[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:]
		}
	}
	return "", ""
}
