package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time for scheduler and ledger timestamps so tests can
// control it.
type Clock interface {
	Now() time.Time
}

// Module provides the real clock.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)

type SystemClock struct{}

func NewSystemClock() Clock {
	return SystemClock{}
}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
