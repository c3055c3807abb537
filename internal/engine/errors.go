package engine

import (
	"errors"
	"fmt"

	"careerline/internal/repo"
)

// ErrUnsupportedAction is returned by Ingest for pull_request actions that
// do not map to an event type.
var ErrUnsupportedAction = errors.New("unsupported pull_request action")

// NotFoundError names the missing entity. It matches repo.ErrNotFound.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// StateError reports an operation that the entity's current status does
// not allow.
type StateError struct {
	Entity  string
	ID      string
	Status  string
	Op      string
	Message string
}

func (e StateError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Entity, e.ID, e.Status)
}

type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// Approval gate rejection codes.
const (
	GateApprovalRequired    = "APPROVAL_REQUIRED"
	GateApprovalNotFound    = "APPROVAL_NOT_FOUND"
	GateApprovalNotApproved = "APPROVAL_NOT_APPROVED"
	GateApprovalExpired     = "APPROVAL_EXPIRED"
)

// GateError is a rejection by the approval gate.
type GateError struct {
	Code string
}

func (e GateError) Error() string {
	switch e.Code {
	case GateApprovalRequired:
		return "approval is required for this intent"
	case GateApprovalNotFound:
		return "approval not found for this intent"
	case GateApprovalNotApproved:
		return "approval decision is not approved"
	case GateApprovalExpired:
		return "approval has expired"
	}
	return e.Code
}

const (
	CodeMissingIntentID     = "MISSING_INTENT_ID"
	CodeIntentNotFound      = "INTENT_NOT_FOUND"
	CodeIntentNotApprovable = "INTENT_NOT_APPROVABLE"
	CodeInvalidValidTo      = "INVALID_VALID_TO"
	CodeInvalidDateRange    = "INVALID_DATE_RANGE"
	CodeFromAfterTo         = "FROM_AFTER_TO"
	CodeConflict            = "CONFLICT"
)

// CodedError carries a stable code returned to API callers as is.
type CodedError struct {
	Code    string
	Message string
}

func (e CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// notFound converts repo.ErrNotFound into a NotFoundError and passes other
// errors through.
func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Entity: entity, ID: id}
	}
	return err
}
