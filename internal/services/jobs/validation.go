package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/lattice/internal/models"
)

// Submission bounds
const (
	maxBatchLigands  = 1500
	maxProteinLength = 5000
	maxSMILESLength  = 1000
	maxNameLength    = 256
	maxIdemKeyLength = 128
	defaultTaskType  = models.TaskProteinLigandBinding
	defaultBatchTask = models.TaskBatchProteinScreening
	defaultPriority  = "normal"
)

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Single-letter amino acid codes, X for unknown residues
	proteinSequencePattern = regexp.MustCompile(`^[ACDEFGHIKLMNPQRSTVWYX]+$`)
)

// knownModels lists the prediction models the worker pool serves
var knownModels = map[string]bool{
	"boltz2":     true,
	"chai1":      true,
	"rfantibody": true,
}

// requiredInputFields maps task types to the input_data fields a submission
// must carry. Unknown task types are rejected outright.
var requiredInputFields = map[string][]string{
	models.TaskProteinLigandBinding:  {"protein_sequence", "ligand_smiles"},
	models.TaskBatchProteinScreening: {"protein_sequence"},
	models.TaskProteinStructure:      {"protein_sequence"},
	models.TaskNanobodyDesign:        {"protein_sequence"},
}

func validationError(format string, args ...interface{}) *models.APIError {
	return models.NewAPIError(models.ErrKindValidation, fmt.Sprintf(format, args...))
}

// validatePredictRequest checks an individual submission and normalizes
// defaults in place.
func validatePredictRequest(req *models.PredictRequest) *models.APIError {
	if err := validate.Struct(req); err != nil {
		return validationError("invalid request: %s", firstFieldError(err))
	}
	if req.TaskType == "" {
		req.TaskType = defaultTaskType
	}
	if err := validateCommon(req.Model, req.TaskType, req.ProteinSequence, req.JobName, req.IdempotencyKey); err != nil {
		return err
	}

	input := map[string]interface{}{
		"protein_sequence": req.ProteinSequence,
		"ligand_smiles":    req.LigandSMILES,
	}
	if err := validateInputFields(req.TaskType, input); err != nil {
		return err
	}
	if req.LigandSMILES != "" && len(req.LigandSMILES) > maxSMILESLength {
		return validationError("ligand_smiles exceeds %d characters", maxSMILESLength)
	}
	return nil
}

// validateBatchRequest checks a batch submission and normalizes defaults in
// place.
func validateBatchRequest(req *models.BatchPredictRequest) *models.APIError {
	if err := validate.Struct(req); err != nil {
		return validationError("invalid request: %s", firstFieldError(err))
	}
	if req.TaskType == "" {
		req.TaskType = defaultBatchTask
	}
	if req.Priority == "" {
		req.Priority = defaultPriority
	}
	switch req.Priority {
	case "high", "normal", "low":
	default:
		return validationError("priority must be one of high, normal, low")
	}

	if err := validateCommon(req.Model, req.TaskType, req.ProteinSequence, req.BatchName, req.IdempotencyKey); err != nil {
		return err
	}

	if len(req.Ligands) == 0 {
		return validationError("batch requires at least one ligand")
	}
	if len(req.Ligands) > maxBatchLigands {
		return validationError("batch exceeds %d ligands", maxBatchLigands)
	}

	seen := make(map[string]bool, len(req.Ligands))
	for i, ligand := range req.Ligands {
		if ligand.Name == "" || ligand.SMILES == "" {
			return validationError("ligand %d requires name and smiles", i)
		}
		if len(ligand.SMILES) > maxSMILESLength {
			return validationError("ligand %q smiles exceeds %d characters", ligand.Name, maxSMILESLength)
		}
		if seen[ligand.Name] {
			return validationError("duplicate ligand name %q", ligand.Name)
		}
		seen[ligand.Name] = true
	}
	return nil
}

func validateCommon(model, taskType, protein, name, idemKey string) *models.APIError {
	if !knownModels[model] {
		return validationError("unknown model %q", model)
	}
	if _, ok := requiredInputFields[taskType]; !ok {
		return validationError("unknown task_type %q", taskType)
	}

	protein = strings.ToUpper(strings.TrimSpace(protein))
	if len(protein) > maxProteinLength {
		return validationError("protein_sequence exceeds %d residues", maxProteinLength)
	}
	if !proteinSequencePattern.MatchString(protein) {
		return validationError("protein_sequence contains invalid residue codes")
	}

	if len(name) > maxNameLength {
		return validationError("name exceeds %d characters", maxNameLength)
	}
	if len(idemKey) > maxIdemKeyLength {
		return validationError("idempotency_key exceeds %d characters", maxIdemKeyLength)
	}
	return nil
}

// validateInputFields applies the per-task required-field table
func validateInputFields(taskType string, input map[string]interface{}) *models.APIError {
	for _, field := range requiredInputFields[taskType] {
		val, ok := input[field]
		if !ok {
			return validationError("task %s requires input field %s", taskType, field)
		}
		if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
			return validationError("task %s requires input field %s", taskType, field)
		}
	}
	return nil
}

// firstFieldError condenses a validator error list to its first entry
func firstFieldError(err error) string {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		return fmt.Sprintf("field %s failed %s validation", errs[0].Field(), errs[0].Tag())
	}
	return err.Error()
}
