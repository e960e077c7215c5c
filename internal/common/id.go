package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job identifier
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewBatchID generates a unique batch identifier
// Format: bat_<uuid>
func NewBatchID() string {
	return "bat_" + uuid.New().String()
}

// NewTxnID generates a unique storage transaction identifier
// Format: txn_<uuid>
func NewTxnID() string {
	return "txn_" + uuid.New().String()
}
