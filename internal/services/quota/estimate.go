package quota

import (
	"github.com/ternarybob/lattice/internal/models"
)

// Safety margins applied to raw per-unit costs. GPU runtimes vary with
// sequence length; storage varies with structure output size.
const (
	gpuSafetyMargin     = 1.2
	storageSafetyMargin = 1.5
)

// costSpec is the per-unit resource cost of one prediction
type costSpec struct {
	GPUMinutesPerUnit float64
	StorageMBPerUnit  float64
}

// costTable maps (model_name, task_type) to per-unit costs. Unknown
// combinations fall back to defaultCost.
var costTable = map[string]map[string]costSpec{
	"boltz2": {
		models.TaskProteinLigandBinding:  {GPUMinutesPerUnit: 4, StorageMBPerUnit: 20},
		models.TaskBatchProteinScreening: {GPUMinutesPerUnit: 3, StorageMBPerUnit: 15},
		models.TaskProteinStructure:      {GPUMinutesPerUnit: 6, StorageMBPerUnit: 30},
	},
	"chai1": {
		models.TaskProteinLigandBinding: {GPUMinutesPerUnit: 5, StorageMBPerUnit: 25},
		models.TaskProteinStructure:     {GPUMinutesPerUnit: 8, StorageMBPerUnit: 40},
	},
	"rfantibody": {
		models.TaskNanobodyDesign: {GPUMinutesPerUnit: 10, StorageMBPerUnit: 50},
	},
}

var defaultCost = costSpec{GPUMinutesPerUnit: 5, StorageMBPerUnit: 25}

// Estimate predicts resource consumption for a submission. Units is the
// number of complexes: 1 for an individual job, the ligand count for a batch.
func Estimate(modelName, taskType string, units int, isBatch bool) *models.ResourceEstimate {
	cost := defaultCost
	if tasks, ok := costTable[modelName]; ok {
		if c, ok := tasks[taskType]; ok {
			cost = c
		}
	}

	u := float64(units)
	return &models.ResourceEstimate{
		GPUMinutes: cost.GPUMinutesPerUnit * u * gpuSafetyMargin,
		StorageGB:  cost.StorageMBPerUnit * u * storageSafetyMargin / 1024,
		Units:      units,
		IsBatch:    isBatch,
	}
}
