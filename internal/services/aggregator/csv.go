package aggregator

import (
	"bytes"
	"encoding/csv"
	"strconv"

	"github.com/ternarybob/lattice/internal/models"
)

// csvColumns is the fixed export column order
var csvColumns = []string{
	"job_id",
	"ligand_name",
	"protein_name",
	"affinity",
	"confidence",
	"ptm_score",
	"iptm_score",
	"plddt_score",
	"execution_time",
	"has_structure",
}

// buildCSV renders one row per child in batch-index order
func buildCSV(results []models.ChildResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvColumns); err != nil {
		return nil, err
	}
	for _, r := range results {
		row := []string{
			r.JobID,
			r.LigandName,
			r.ProteinName,
			formatScore(r.Affinity),
			formatScore(r.Confidence),
			formatScore(r.PTMScore),
			formatScore(r.IPTMScore),
			formatScore(r.PLDDTScore),
			formatScore(r.ExecutionTime),
			strconv.FormatBool(r.HasStructure),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
