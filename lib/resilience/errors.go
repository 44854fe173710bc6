package resilience

import apperrors "github.com/go-i2p/dbpool/lib/errors"

// ErrCircuitOpen is returned when a connect is rejected because the circuit
// is open. It is the same value as errors.ErrCircuitOpen.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
