// README: Assignment coordinator types and matcher tuning.
package assignment

import (
	"fmt"
	"time"

	"shuttle/internal/apperr"
	"shuttle/internal/types"
)

// ErrNoCandidate means the automatic matcher found no verified, available,
// idle driver.
var ErrNoCandidate = fmt.Errorf("%w: no available driver", apperr.ErrDriverNotReady)

type Result struct {
	TripID   types.ID
	DriverID types.ID
	// Warning is set when the assignment succeeded despite an advisory check,
	// e.g. the driver was marked unavailable.
	Warning string
}

const (
	// attemptTTL bounds how long attempt markers live in Redis.
	attemptTTL = 7 * 24 * time.Hour
	// tickBatch caps the trips handled per scheduler tick.
	tickBatch = 50
)
