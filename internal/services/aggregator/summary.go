package aggregator

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/ternarybob/lattice/internal/models"
)

// Affinity histogram boundaries
const (
	highAffinityMin   = 0.8
	mediumAffinityMin = 0.4
)

// computeStats returns distribution statistics for one score column.
// An empty column yields all zeros.
func computeStats(values []float64) models.ScoreStats {
	if len(values) == 0 {
		return models.ScoreStats{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	variance := 0.0
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(sorted))

	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}

	return models.ScoreStats{
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		Median: median,
		StdDev: math.Sqrt(variance),
	}
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// buildSummary computes the per-batch aggregate over completed child results
func buildSummary(results []models.ChildResult, total, completed, failed, cancelled int) *models.BatchSummary {
	summary := &models.BatchSummary{
		TotalJobs:     total,
		CompletedJobs: completed,
		FailedJobs:    failed,
		CancelledJobs: cancelled,
	}

	var affinities, confidences, ptms, iptms, plddts []float64
	bestIdx, worstIdx := -1, -1
	for i, r := range results {
		affinities = append(affinities, r.Affinity)
		confidences = append(confidences, r.Confidence)
		ptms = append(ptms, r.PTMScore)
		iptms = append(iptms, r.IPTMScore)
		plddts = append(plddts, r.PLDDTScore)

		if bestIdx < 0 || r.Affinity > results[bestIdx].Affinity {
			bestIdx = i
		}
		if worstIdx < 0 || r.Affinity < results[worstIdx].Affinity {
			worstIdx = i
		}

		switch {
		case r.Affinity >= highAffinityMin:
			summary.HighAffinity++
		case r.Affinity >= mediumAffinityMin:
			summary.MediumAffinity++
		default:
			summary.LowAffinity++
		}
	}

	summary.AffinityStats = computeStats(affinities)
	summary.ConfidenceStats = computeStats(confidences)
	summary.MeanPTM = meanOf(ptms)
	summary.MeanIPTM = meanOf(iptms)
	summary.MeanPLDDT = meanOf(plddts)

	if bestIdx >= 0 {
		summary.BestPerformer = results[bestIdx].LigandName
	}
	if worstIdx >= 0 {
		summary.WorstPerformer = results[worstIdx].LigandName
	}
	return summary
}

// extractChildResult maps a child job and its stored results onto the fixed
// result row.
func extractChildResult(child *models.JobRecord, result map[string]interface{}) models.ChildResult {
	row := models.ChildResult{
		JobID: child.ID,
		Raw:   result,
	}
	if child.InputData != nil {
		row.LigandName, _ = child.InputData["ligand_name"].(string)
		row.LigandSMILES, _ = child.InputData["ligand_smiles"].(string)
		row.ProteinName, _ = child.InputData["protein_name"].(string)
	}
	if result != nil {
		if name, ok := result["ligand_name"].(string); ok && name != "" {
			row.LigandName = name
		}
		if name, ok := result["protein_name"].(string); ok && name != "" {
			row.ProteinName = name
		}
		row.Affinity = toFloat(result["affinity"])
		row.Confidence = toFloat(result["confidence"])
		row.PTMScore = toFloat(result["ptm_score"])
		row.IPTMScore = toFloat(result["iptm_score"])
		row.PLDDTScore = toFloat(result["plddt_score"])
		row.ExecutionTime = toFloat(result["execution_time_seconds"])
		if row.ExecutionTime == 0 {
			row.ExecutionTime = toFloat(result["execution_time"])
		}
		_, row.HasStructure = result["structure_cif"]
		if !row.HasStructure {
			row.HasStructure, _ = result["has_structure"].(bool)
		}
	}
	return row
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
