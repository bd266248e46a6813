package twin

import "errors"

// Domain errors for the twin package.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("twin: not found")

	// ErrCoercion is returned when a value cannot be converted to a property type.
	ErrCoercion = errors.New("twin: value coercion failed")

	// ErrInvalidType is returned for a value type outside Boolean, Integer, Double, String.
	ErrInvalidType = errors.New("twin: invalid value type")

	// ErrDuplicateBinding is returned when a twin property is created for an
	// (instance, element) pair that already has one.
	ErrDuplicateBinding = errors.New("twin: duplicate binding")
)
