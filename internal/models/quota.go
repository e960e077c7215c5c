package models

import (
	"time"
)

// UserTier determines quota limits via the fixed tier table
type UserTier string

const (
	TierDefault    UserTier = "default"
	TierPremium    UserTier = "premium"
	TierEnterprise UserTier = "enterprise"
	TierAdmin      UserTier = "admin"
)

// ResourceKind identifies a quota resource
type ResourceKind string

const (
	ResourceGPUMinutes        ResourceKind = "gpu_minutes"
	ResourceStorageGB         ResourceKind = "storage_gb"
	ResourceConcurrentJobs    ResourceKind = "concurrent_jobs"
	ResourceConcurrentBatches ResourceKind = "concurrent_batches"
	ResourceMonthlyJobs       ResourceKind = "monthly_jobs"
	ResourcePriorityAccess    ResourceKind = "priority_access"
)

// QuotaResource is the per-resource counter record
type QuotaResource struct {
	Limit           float64   `json:"limit"`
	Used            float64   `json:"used"`
	ResetPeriodDays int       `json:"reset_period_days"`
	LastResetAt     time.Time `json:"last_reset_at"`
	SoftLimitPct    float64   `json:"soft_limit_pct"`
}

// Available returns the remaining headroom
func (r *QuotaResource) Available() float64 {
	return r.Limit - r.Used
}

// ShouldReset reports whether the periodic reset is due. Resources with a
// zero reset period never reset.
func (r *QuotaResource) ShouldReset(now time.Time) bool {
	if r.ResetPeriodDays == 0 {
		return false
	}
	return now.Sub(r.LastResetAt) >= time.Duration(r.ResetPeriodDays)*24*time.Hour
}

// UserQuota is the per-user resource account
type UserQuota struct {
	SchemaVersion int                            `json:"schema_version"`
	UserID        string                         `json:"user_id"`
	Tier          UserTier                       `json:"tier"`
	Resources     map[ResourceKind]QuotaResource `json:"resources"`
	UpdatedAt     time.Time                      `json:"updated_at"`
}

// ResourceEstimate predicts the resource cost of a submission before accept
type ResourceEstimate struct {
	GPUMinutes float64 `json:"gpu_minutes"`
	StorageGB  float64 `json:"storage_gb"`
	// Units is the number of complexes: 1 for an individual job, the ligand
	// count for a batch. Concurrency reservations equal Units.
	Units   int  `json:"units"`
	IsBatch bool `json:"is_batch"`
}

// QuotaViolation describes one resource that blocks admission
type QuotaViolation struct {
	Resource    ResourceKind `json:"resource"`
	Required    float64      `json:"required"`
	Available   float64      `json:"available"`
	Limit       float64      `json:"limit"`
	ResetsInSec int64        `json:"resets_in_seconds,omitempty"`
}

// QuotaWarning fires when projected usage crosses the soft limit
type QuotaWarning struct {
	Resource     ResourceKind `json:"resource"`
	ProjectedPct float64      `json:"projected_pct"`
	SoftLimitPct float64      `json:"soft_limit_pct"`
}

// QuotaCheck is the result of a pre-admission availability check
type QuotaCheck struct {
	Allowed    bool                           `json:"allowed"`
	Violations []QuotaViolation               `json:"violations,omitempty"`
	Warnings   []QuotaWarning                 `json:"warnings,omitempty"`
	Snapshot   map[ResourceKind]QuotaResource `json:"snapshot,omitempty"`
}

// ActualUsage carries measured resource consumption reported at completion.
// Cumulative counters are adjusted by the delta against the estimate.
type ActualUsage struct {
	GPUMinutes float64 `json:"gpu_minutes"`
	StorageGB  float64 `json:"storage_gb"`
}

// ActiveReservation records a live quota hold for one job
type ActiveReservation struct {
	JobID               string           `json:"job_id"`
	Estimate            ResourceEstimate `json:"estimate"`
	ReservedAt          time.Time        `json:"reserved_at"`
	EstimatedCompletion time.Time        `json:"estimated_completion_at"`
}
