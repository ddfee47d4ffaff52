package tg

import "errors"

var (
	ErrBlobVersionMismatch = errors.New("blob version mismatch")
	ErrBlobNotFound        = errors.New("blob not found")

	ErrPolicyInvalid      = errors.New("comparison policy is invalid")
	ErrCollectionFailed   = errors.New("collection failed")
	ErrCriticalPipeline   = errors.New("critical pipeline failed")
	ErrRunSummaryNotFound = errors.New("run summary not found")

	ErrRunLeaseConflict = errors.New("run lease conflict")
)
