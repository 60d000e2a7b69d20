package document

import "errors"

// ErrMalformedDelta is returned when a binary delta cannot be decoded or
// contains invalid ops.
var ErrMalformedDelta = errors.New("malformed delta")
