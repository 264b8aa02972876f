package qi

import "time"

// MockOverride tracks operator-forced charging values. An override is
// active while mockEnable is set and less than the TTL has passed since
// mockCharging last changed. A zero TTL is never active.
//
// Changes are only observed while mockEnable is set. Re-enabling with an
// unchanged value does not restart the window.
type MockOverride struct {
	prev    int // -1 until the first observation
	touched time.Time
}

func NewMockOverride() *MockOverride { return &MockOverride{prev: -1} }

// Evaluate returns the override value and whether it applies at now.
func (m *MockOverride) Evaluate(enable, charging bool, ttl time.Duration, now time.Time) (value, active bool) {
	if !enable {
		return false, false
	}
	v := 0
	if charging {
		v = 1
	}
	if v != m.prev {
		m.prev = v
		m.touched = now
	}
	if ttl > 0 && now.Sub(m.touched) < ttl {
		return charging, true
	}
	return false, false
}
