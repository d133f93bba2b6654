package store

import "errors"

// Precondition failures surfaced by the approval transaction. None of these
// leave any mutation behind.
var (
	ErrAssignmentNotFound    = errors.New("assignment not found")
	ErrNotApprover           = errors.New("assignment role is not approver")
	ErrAlreadyApproved       = errors.New("assignment already approved")
	ErrTaskNotWorking        = errors.New("task is not in working status")
	ErrTaskFinalized         = errors.New("task already finalized")
	ErrBlockedByDependencies = errors.New("dependencies not complete")
)
