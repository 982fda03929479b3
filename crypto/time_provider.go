package crypto

import "time"

// TimeProvider abstracts the clock so expiry logic can be tested
// deterministically. Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
}

// SystemTime reads the wall clock.
type SystemTime struct{}

// Now returns the current time.
func (SystemTime) Now() time.Time { return time.Now() }

// OrSystem returns tp, or SystemTime when tp is nil.
func OrSystem(tp TimeProvider) TimeProvider {
	if tp == nil {
		return SystemTime{}
	}
	return tp
}
