package models

// CompletionEvent is the normalized webhook payload delivered by a GPU
// worker at the end of a task. Either JobID or ModalCallID must be present;
// ModalCallID is the dedup key for at-most-once side effects.
type CompletionEvent struct {
	JobID       string                 `json:"job_id,omitempty"`
	ModalCallID string                 `json:"modal_call_id,omitempty"`
	Status      string                 `json:"status"` // "success" or "failed"
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       *JobError              `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// ExecutionTimeSeconds is the measured GPU wall time, used to adjust
	// the quota ledger by actuals.
	ExecutionTimeSeconds float64 `json:"execution_time_seconds,omitempty"`

	// StructureCIF carries the predicted structure when the worker inlines
	// it instead of writing to the canonical prefix itself.
	StructureCIF string `json:"structure_cif,omitempty"`
}

// Succeeded reports whether the worker finished the task successfully
func (e *CompletionEvent) Succeeded() bool {
	return e.Status == "success"
}

// DedupKey returns the identifier used for duplicate suppression
func (e *CompletionEvent) DedupKey() string {
	if e.ModalCallID != "" {
		return e.ModalCallID
	}
	return e.JobID
}

// ChildResult is one completed child's contribution to a batch aggregation
type ChildResult struct {
	JobID         string                 `json:"job_id"`
	LigandName    string                 `json:"ligand_name"`
	LigandSMILES  string                 `json:"ligand_smiles"`
	ProteinName   string                 `json:"protein_name"`
	Affinity      float64                `json:"affinity"`
	Confidence    float64                `json:"confidence"`
	PTMScore      float64                `json:"ptm_score"`
	IPTMScore     float64                `json:"iptm_score"`
	PLDDTScore    float64                `json:"plddt_score"`
	ExecutionTime float64                `json:"execution_time"`
	HasStructure  bool                   `json:"has_structure"`
	Raw           map[string]interface{} `json:"raw,omitempty"`
}

// BatchSummary is the aggregate computed over all completed children
type BatchSummary struct {
	TotalJobs     int `json:"total_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`

	AffinityStats   ScoreStats `json:"affinity_stats"`
	ConfidenceStats ScoreStats `json:"confidence_stats"`

	MeanPTM   float64 `json:"mean_ptm"`
	MeanIPTM  float64 `json:"mean_iptm"`
	MeanPLDDT float64 `json:"mean_plddt"`

	BestPerformer  string `json:"best_performer,omitempty"`
	WorstPerformer string `json:"worst_performer,omitempty"`

	// Affinity histogram: high >= 0.8, 0.4 <= medium < 0.8, low < 0.4
	HighAffinity   int `json:"high_affinity"`
	MediumAffinity int `json:"medium_affinity"`
	LowAffinity    int `json:"low_affinity"`
}

// ScoreStats holds distribution statistics for one score column
type ScoreStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
}
