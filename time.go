package identity

import "time"

// IsWithinThreshold checks if the given time is within the trailing window
func IsWithinThreshold(t time.Time, window time.Duration) bool {
	return t.After(time.Now().Add(-window))
}

// IsOutsideThreshold is the negation of IsWithinThreshold
func IsOutsideThreshold(t time.Time, window time.Duration) bool {
	return !IsWithinThreshold(t, window)
}
