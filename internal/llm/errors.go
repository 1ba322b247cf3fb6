package llm

import "errors"

var (
	// ErrFailure covers network errors, timeouts and non-2xx provider responses.
	ErrFailure = errors.New("llm call failed")

	// ErrShape means the provider answered but the payload could not be
	// parsed into the requested JSON shape even after coercion. Callers
	// degrade to an empty result instead of guessing.
	ErrShape = errors.New("llm response shape invalid")
)
