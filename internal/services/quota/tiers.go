package quota

import (
	"time"

	"github.com/ternarybob/lattice/internal/models"
)

// resourceSpec is one row of the tier table
type resourceSpec struct {
	Limit           float64
	ResetPeriodDays int
	SoftLimitPct    float64
}

// tierTable fixes per-tier limits for every resource kind. Cumulative
// resources (gpu_minutes, monthly_jobs) reset monthly; storage and
// concurrency never reset.
var tierTable = map[models.UserTier]map[models.ResourceKind]resourceSpec{
	models.TierDefault: {
		models.ResourceGPUMinutes:        {Limit: 100, ResetPeriodDays: 30, SoftLimitPct: 0.8},
		models.ResourceStorageGB:         {Limit: 5, SoftLimitPct: 0.8},
		models.ResourceConcurrentJobs:    {Limit: 2},
		models.ResourceConcurrentBatches: {Limit: 1},
		models.ResourceMonthlyJobs:       {Limit: 50, ResetPeriodDays: 30, SoftLimitPct: 0.8},
		models.ResourcePriorityAccess:    {Limit: 0},
	},
	models.TierPremium: {
		models.ResourceGPUMinutes:        {Limit: 1000, ResetPeriodDays: 30, SoftLimitPct: 0.8},
		models.ResourceStorageGB:         {Limit: 50, SoftLimitPct: 0.8},
		models.ResourceConcurrentJobs:    {Limit: 10},
		models.ResourceConcurrentBatches: {Limit: 3},
		models.ResourceMonthlyJobs:       {Limit: 500, ResetPeriodDays: 30, SoftLimitPct: 0.8},
		models.ResourcePriorityAccess:    {Limit: 1},
	},
	models.TierEnterprise: {
		models.ResourceGPUMinutes:        {Limit: 10000, ResetPeriodDays: 30, SoftLimitPct: 0.9},
		models.ResourceStorageGB:         {Limit: 500, SoftLimitPct: 0.9},
		models.ResourceConcurrentJobs:    {Limit: 50},
		models.ResourceConcurrentBatches: {Limit: 10},
		models.ResourceMonthlyJobs:       {Limit: 5000, ResetPeriodDays: 30, SoftLimitPct: 0.9},
		models.ResourcePriorityAccess:    {Limit: 1},
	},
	models.TierAdmin: {
		models.ResourceGPUMinutes:        {Limit: 1000000, ResetPeriodDays: 30},
		models.ResourceStorageGB:         {Limit: 10000},
		models.ResourceConcurrentJobs:    {Limit: 500},
		models.ResourceConcurrentBatches: {Limit: 100},
		models.ResourceMonthlyJobs:       {Limit: 1000000, ResetPeriodDays: 30},
		models.ResourcePriorityAccess:    {Limit: 1},
	},
}

// newQuotaForTier materializes a fresh account from the tier table
func newQuotaForTier(userID string, tier models.UserTier) *models.UserQuota {
	specs, ok := tierTable[tier]
	if !ok {
		tier = models.TierDefault
		specs = tierTable[tier]
	}

	now := time.Now().UTC()
	resources := make(map[models.ResourceKind]models.QuotaResource, len(specs))
	for kind, spec := range specs {
		resources[kind] = models.QuotaResource{
			Limit:           spec.Limit,
			ResetPeriodDays: spec.ResetPeriodDays,
			LastResetAt:     now,
			SoftLimitPct:    spec.SoftLimitPct,
		}
	}

	return &models.UserQuota{
		SchemaVersion: models.SchemaVersion,
		UserID:        userID,
		Tier:          tier,
		Resources:     resources,
		UpdatedAt:     now,
	}
}
