package lease

import "time"

const (
	// DefaultTransformStaleAfter is how long a drag or resize lease survives without renewal.
	DefaultTransformStaleAfter = 5 * time.Second
	// DefaultEditStaleAfter is longer because edit leases are kept alive by a heartbeat
	// rather than by every keystroke.
	DefaultEditStaleAfter = 30 * time.Second
)

// ClockConfig configures a Clock. Zero durations fall back to the defaults.
type ClockConfig struct {
	Now                 func() time.Time
	TransformStaleAfter time.Duration
	EditStaleAfter      time.Duration
}

// Clock is the lease timestamp source and staleness comparator.
type Clock struct {
	now                 func() time.Time
	transformStaleAfter time.Duration
	editStaleAfter      time.Duration
}

// NewClock constructs a Clock.
func NewClock(cfg ClockConfig) *Clock {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	transform := cfg.TransformStaleAfter
	if transform <= 0 {
		transform = DefaultTransformStaleAfter
	}
	edit := cfg.EditStaleAfter
	if edit <= 0 {
		edit = DefaultEditStaleAfter
	}
	return &Clock{now: now, transformStaleAfter: transform, editStaleAfter: edit}
}

// Now returns the current time truncated to the millisecond precision leases are stored with.
func (c *Clock) Now() time.Time {
	return c.now().UTC().Truncate(time.Millisecond)
}

// Threshold returns the staleness threshold for kind.
func (c *Clock) Threshold(kind Kind) time.Duration {
	if kind.Class() == ClassEdit {
		return c.editStaleAfter
	}
	return c.transformStaleAfter
}

// IsStale reports whether the lease has gone without renewal for at least its threshold.
func (c *Clock) IsStale(lease Lease) bool {
	return c.Now().Sub(lease.LastRenewedAt) >= c.Threshold(lease.Kind)
}
