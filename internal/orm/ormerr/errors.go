// Package ormerr defines the tagged failures surfaced by the save and query engines and
// converts driver-specific database errors into them.
package ormerr

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched by the typed errors below via errors.Is.
var (
	// ErrValidation is matched by every ValidationError
	ErrValidation = errors.New("validation failed")

	// ErrUnresolvableDependency is matched by every UnresolvableDependencyError
	ErrUnresolvableDependency = errors.New("unresolvable dependency among new entities")

	// ErrSequenceAllocation is matched by every SequenceAllocationError
	ErrSequenceAllocation = errors.New("sequence allocation failed")

	// ErrConstraintViolation is matched by every ConstraintViolationError
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrConnection is matched by every ConnectionError
	ErrConnection = errors.New("connection failure")

	// ErrUniqueViolation is returned when a unique constraint is violated
	ErrUniqueViolation = errors.New("unique constraint violation")

	// ErrForeignKeyViolation is returned when a foreign key constraint is violated
	ErrForeignKeyViolation = errors.New("foreign key constraint violation")

	// ErrNotNullViolation is returned when a NOT NULL constraint is violated
	ErrNotNullViolation = errors.New("not null constraint violation")

	// ErrCheckViolation is returned when a check constraint is violated
	ErrCheckViolation = errors.New("check constraint violation")
)

// ValidationError reports a malformed delta, unknown attribute or type mismatch.
// It is always raised before any database call.
type ValidationError struct {
	Entity    string
	Attribute string
	Message   string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Entity != "" {
		b.WriteString(": ")
		b.WriteString(e.Entity)
	}
	if e.Attribute != "" {
		b.WriteString(": ")
		b.WriteString(e.Attribute)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is reports whether target is ErrValidation
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validationf builds a ValidationError with a formatted message.
func Validationf(entity, attribute, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Entity:    entity,
		Attribute: attribute,
		Message:   fmt.Sprintf(format, args...),
	}
}

// UnresolvableDependencyError reports a cycle among entities created in the same delta.
type UnresolvableDependencyError struct {
	Cycle []string
}

// Error implements the error interface
func (e *UnresolvableDependencyError) Error() string {
	if len(e.Cycle) == 0 {
		return ErrUnresolvableDependency.Error()
	}
	return fmt.Sprintf("%s: %s -> %s",
		ErrUnresolvableDependency.Error(),
		strings.Join(e.Cycle, " -> "),
		e.Cycle[0])
}

// Is reports whether target is ErrUnresolvableDependency
func (e *UnresolvableDependencyError) Is(target error) bool {
	return target == ErrUnresolvableDependency
}

// SequenceAllocationError reports a failed or short batched sequence allocation.
type SequenceAllocationError struct {
	Sequence  string
	Requested int
	Allocated int
	Err       error
}

// Error implements the error interface
func (e *SequenceAllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sequence allocation failed for %s: %v", e.Sequence, e.Err)
	}
	return fmt.Sprintf("sequence allocation failed for %s: requested %d values, got %d",
		e.Sequence, e.Requested, e.Allocated)
}

// Unwrap returns the underlying database error, if any
func (e *SequenceAllocationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrSequenceAllocation
func (e *SequenceAllocationError) Is(target error) bool {
	return target == ErrSequenceAllocation
}

// ConstraintKind names the storage constraint that rejected a write.
type ConstraintKind int

const (
	ConstraintUnknown ConstraintKind = iota
	ConstraintUnique
	ConstraintForeignKey
	ConstraintNotNull
	ConstraintCheck
)

// String returns the string representation of the constraint kind
func (k ConstraintKind) String() string {
	switch k {
	case ConstraintUnique:
		return "unique"
	case ConstraintForeignKey:
		return "foreign_key"
	case ConstraintNotNull:
		return "not_null"
	case ConstraintCheck:
		return "check"
	default:
		return "unknown"
	}
}

func (k ConstraintKind) sentinel() error {
	switch k {
	case ConstraintUnique:
		return ErrUniqueViolation
	case ConstraintForeignKey:
		return ErrForeignKeyViolation
	case ConstraintNotNull:
		return ErrNotNullViolation
	case ConstraintCheck:
		return ErrCheckViolation
	default:
		return nil
	}
}

// ConstraintViolationError reports a write rejected by a storage-engine constraint.
type ConstraintViolationError struct {
	Kind   ConstraintKind
	Entity string
	Detail string
	Err    error
}

// Error implements the error interface
func (e *ConstraintViolationError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" constraint violation")
	if e.Entity != "" {
		b.WriteString(" writing ")
		b.WriteString(e.Entity)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Unwrap returns the driver error
func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}

// Is matches ErrConstraintViolation and the kind-specific sentinel
func (e *ConstraintViolationError) Is(target error) bool {
	if target == ErrConstraintViolation {
		return true
	}
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// ConnectionError reports pool exhaustion or a connectivity failure.
type ConnectionError struct {
	Entity string
	Err    error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("connection failure writing %s: %v", e.Entity, e.Err)
	}
	return fmt.Sprintf("connection failure: %v", e.Err)
}

// Unwrap returns the driver error
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConnection
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// WithEntity tags a constraint or connection failure with the entity being written
// when it is not already tagged. Other errors are returned unchanged.
func WithEntity(err error, entity string) error {
	var cv *ConstraintViolationError
	if errors.As(err, &cv) && cv.Entity == "" {
		cv.Entity = entity
		return err
	}
	var ce *ConnectionError
	if errors.As(err, &ce) && ce.Entity == "" {
		ce.Entity = entity
	}
	return err
}

// IsValidation returns true if the error is a ValidationError
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConstraintViolation returns true if the error is a ConstraintViolationError
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsConnection returns true if the error is a ConnectionError
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}
