package work

// MarketClock reports the A-share session state. The concrete clock lives
// outside this package so work stays decoupled from the settings service
// that owns the close-finalize wall clock.
type MarketClock interface {
	// MarketOpenNow reports whether the session is open right now.
	MarketOpenNow() bool

	// MarketClosedNow reports whether the close-finalize wall clock has
	// passed, or it is a weekend.
	MarketClosedNow() bool
}

// TimingChecker gates work on the session state. There is one session for
// all three exchanges, so timing never depends on the subject.
type TimingChecker struct {
	clock MarketClock
}

// NewTimingChecker creates a timing checker over the given clock.
func NewTimingChecker(clock MarketClock) *TimingChecker {
	return &TimingChecker{clock: clock}
}

// CanExecute reports whether work with the given timing may run now.
func (c *TimingChecker) CanExecute(timing MarketTiming) bool {
	switch timing {
	case AnyTime:
		return true
	case MarketOpen:
		return c.clock.MarketOpenNow()
	case AfterClose:
		return c.clock.MarketClosedNow()
	default:
		return false
	}
}
