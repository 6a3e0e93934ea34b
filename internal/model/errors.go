package model

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig marks workflow or tool configuration that cannot be
// compiled. Invocations that hit it fail before or during the loop and no
// partial output is kept.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrUnknownAgent is returned when the active agent is not in the compiled graph.
var ErrUnknownAgent = fmt.Errorf("%w: unknown agent", ErrInvalidConfig)
