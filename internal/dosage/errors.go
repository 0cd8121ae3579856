package dosage

import "errors"

// Engine errors. These are logic errors in the input, never transient failures,
// and are returned to the immediate caller unchanged (wrapped with context).
var (
	// ErrEmptySequence is returned when a pattern has no dose amounts.
	ErrEmptySequence = errors.New("dosage: empty dose sequence")

	// ErrInvalidIndex is returned when a negative scheduled-day index reaches DoseAt.
	ErrInvalidIndex = errors.New("dosage: negative scheduled-day index")

	// ErrAmbiguousPatternWindow flags more than one pattern version valid on the same date.
	ErrAmbiguousPatternWindow = errors.New("dosage: more than one pattern version valid on date")

	// ErrOverlappingVersions is returned by ValidateHistory when two windows overlap.
	ErrOverlappingVersions = errors.New("dosage: pattern version windows overlap")

	// ErrInvalidRegimen is returned when a regimen violates its own invariants.
	ErrInvalidRegimen = errors.New("dosage: invalid regimen")

	// ErrInvalidPattern is returned when a pattern version violates its invariants.
	ErrInvalidPattern = errors.New("dosage: invalid pattern version")

	// ErrUnknownFrequency is returned when a frequency string is not recognised.
	ErrUnknownFrequency = errors.New("dosage: unknown frequency")
)
