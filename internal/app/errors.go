package app

import (
	"errors"
	"fmt"
	"net/http"

	"cascade/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapStoreError converts approval-path precondition failures into typed
// responses. Anything unrecognized passes through and surfaces as a 500.
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrAssignmentNotFound):
		return domainError(http.StatusNotFound, "ASSIGNMENT_NOT_FOUND", "No assignment exists for this task and user", nil)
	case errors.Is(err, store.ErrNotApprover):
		return domainError(http.StatusForbidden, "NOT_APPROVER", "Assignment role does not permit approval", nil)
	case errors.Is(err, store.ErrAlreadyApproved):
		return domainError(http.StatusConflict, "ALREADY_APPROVED", "Assignment is already approved", nil)
	case errors.Is(err, store.ErrTaskNotWorking):
		return domainError(http.StatusConflict, "TASK_NOT_WORKING", "Task is not in working status", nil)
	case errors.Is(err, store.ErrTaskFinalized):
		return domainError(http.StatusConflict, "TASK_ALREADY_FINALIZED", "Task is already finalized", nil)
	case errors.Is(err, store.ErrBlockedByDependencies):
		return domainError(http.StatusConflict, "BLOCKED_BY_DEPENDENCIES", "Task has incomplete dependencies", nil)
	default:
		return err
	}
}
