// Package errs provides the error taxonomy shared by the type registry, the
// instance graph, the search engine and the workflow engine.
//
// Every error returned across a package boundary wraps exactly one sentinel
// from this package so callers can branch with errors.Is. Detail such as the
// offending GUID or property name is attached with fmt.Errorf("%w: ...").
package errs

import (
	"errors"
	"fmt"
)

// familyError is a sentinel that also matches its parent family.
type familyError struct {
	msg    string
	family error
}

func (e *familyError) Error() string { return e.msg }
func (e *familyError) Unwrap() error { return e.family }

func member(family error, msg string) error {
	return &familyError{msg: msg, family: family}
}

// ===========================================================================
// Caller Input Errors
// ===========================================================================

// ErrInvalidParameter is returned for malformed or missing caller input.
var ErrInvalidParameter = errors.New("invalid parameter")

// ErrStatusNotSupported is returned when an instance status is not valid for its type.
var ErrStatusNotSupported = member(ErrInvalidParameter, "status not supported by type")

// ErrPaging is returned for inconsistent offset, page size or ordering parameters.
var ErrPaging = errors.New("invalid paging parameters")

// ===========================================================================
// Not Found Errors
// ===========================================================================

// ErrNotFound is the family matched by every lookup miss below.
var ErrNotFound = errors.New("not found")

// ErrEntityNotFound is returned when an entity GUID is unknown.
var ErrEntityNotFound = member(ErrNotFound, "entity not found")

// ErrRelationshipNotFound is returned when a relationship GUID is unknown.
var ErrRelationshipNotFound = member(ErrNotFound, "relationship not found")

// ErrTypeNotFound is returned when a type GUID or name is unknown.
var ErrTypeNotFound = member(ErrNotFound, "type not found")

// ErrClassificationNotFound is returned when an entity does not carry the named classification.
var ErrClassificationNotFound = member(ErrNotFound, "classification not found")

// ErrProcessNotFound is returned when a process definition name is unknown.
var ErrProcessNotFound = member(ErrNotFound, "process not found")

// ErrStepNotFound is returned when a workflow step GUID is unknown.
var ErrStepNotFound = member(ErrNotFound, "step not found")

// ===========================================================================
// Time Travel Errors
// ===========================================================================

// ErrEntityNotKnownAtTime is returned when no history record precedes the requested time.
var ErrEntityNotKnownAtTime = errors.New("entity not known at time")

// ErrRelationshipNotKnownAtTime is the relationship counterpart of ErrEntityNotKnownAtTime.
var ErrRelationshipNotKnownAtTime = errors.New("relationship not known at time")

// ===========================================================================
// Instance State Errors
// ===========================================================================

// ErrEntityProxyOnly is returned when only a proxy of the entity is held locally.
var ErrEntityProxyOnly = errors.New("entity is held as a proxy only")

// ErrInstanceDeleted is returned when mutating an instance whose status is DELETED.
var ErrInstanceDeleted = errors.New("instance is deleted")

// ErrInstanceNotDeleted is returned when restoring or purging an instance that is not deleted.
var ErrInstanceNotDeleted = errors.New("instance is not deleted")

// ErrDependentsExist is returned when deleting an entity that relationships still reference.
var ErrDependentsExist = errors.New("dependents exist")

// ErrDuplicateInstance is returned when creating an instance whose GUID is already stored.
var ErrDuplicateInstance = errors.New("instance already exists")

// ErrConcurrentUpdate is returned on lock contention or a stale version write.
// It is the only retryable class.
var ErrConcurrentUpdate = errors.New("concurrent update")

// ===========================================================================
// Schema Errors
// ===========================================================================

// ErrProperty is returned when a property bag does not satisfy its TypeDef.
var ErrProperty = errors.New("property error")

// ErrType is returned when an instance or classification is used with the wrong kind of type.
var ErrType = errors.New("type error")

// ErrFunctionNotSupported is returned when an optional capability is disabled.
var ErrFunctionNotSupported = errors.New("function not supported")

// ===========================================================================
// Workflow Errors
// ===========================================================================

// ErrStepResolution is returned when no governance service implements a request type.
var ErrStepResolution = errors.New("no governance service for request type")

// ErrCompletionAlreadyRecorded is returned when a service records completion twice.
var ErrCompletionAlreadyRecorded = errors.New("completion status already recorded")

// ErrCompletionNotRecorded is attached to steps whose service returned without recording completion.
var ErrCompletionNotRecorded = errors.New("completion status never recorded")

// ErrStepDisconnected is attached to steps that were disconnected before completing.
var ErrStepDisconnected = errors.New("step disconnected")

// IsRetryable reports whether the operation that produced err may be retried as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}

// IsNotKnownAtTime reports whether err says an instance did not exist at the
// requested time.
func IsNotKnownAtTime(err error) bool {
	return errors.Is(err, ErrEntityNotKnownAtTime) || errors.Is(err, ErrRelationshipNotKnownAtTime)
}

// Invalid wraps ErrInvalidParameter with a formatted detail message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// Wrap attaches a formatted detail message to a sentinel.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
