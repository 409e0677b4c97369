package domain

import "errors"

// Sentinel errors for replay operations. Callers wrap them with context via
// fmt.Errorf("%w: ...") and inspect them with errors.Is.
var (
	// ErrNotFound indicates a missing replay file, screen or companion document.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt indicates persisted data that does not parse as a replay.
	ErrCorrupt = errors.New("corrupt replay data")

	// ErrParse indicates a malformed identifier such as a screen id.
	ErrParse = errors.New("parse error")

	// ErrEmptyInput indicates there is nothing to save or inject.
	ErrEmptyInput = errors.New("empty input")

	// ErrInsufficientSamples indicates training was requested with fewer memory
	// entries than one batch.
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrAlreadyInProgress marks a duplicate start of a singleton operation.
	// Boundaries treat it as an idempotent success.
	ErrAlreadyInProgress = errors.New("already in progress")

	// ErrInternalFault wraps unexpected failures raised by a dependency, for
	// example a panic inside the agent's training step.
	ErrInternalFault = errors.New("internal fault")

	// ErrInvalidName indicates a replay filename that cannot be stored.
	ErrInvalidName = errors.New("invalid replay name")

	// ErrAlreadyExists indicates a create-only import hit a stored replay.
	ErrAlreadyExists = errors.New("replay already exists")

	// ErrUnavailable indicates an operation the configured storage driver
	// cannot serve, such as download links on the memory driver.
	ErrUnavailable = errors.New("unavailable on this storage driver")

	// ErrUnsupportedValue indicates a value that cannot be normalized to a
	// numeric sequence.
	ErrUnsupportedValue = errors.New("unsupported value")
)
