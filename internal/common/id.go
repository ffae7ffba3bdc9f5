package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the "job_" prefix.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewWorkerID generates a unique worker ID with the "worker_" prefix.
func NewWorkerID() string {
	return "worker_" + uuid.New().String()
}

// NewTokenID generates a unique token ID with the "token_" prefix.
func NewTokenID() string {
	return "token_" + uuid.New().String()
}

// NewUserID generates a unique user ID with the "user_" prefix.
func NewUserID() string {
	return "user_" + uuid.New().String()
}
