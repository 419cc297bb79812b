package logging

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// Throttle rate limits repeated log lines per category. Event handlers use
// it for conditions that can fire on every delivery (spurious events, ring
// full) so that a misbehaving peer cannot flood the log.
type Throttle struct {
	limiter *catrate.Limiter
}

// NewThrottle allows perSecond messages per category per second and ten
// times that per minute.
func NewThrottle(perSecond int) *Throttle {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &Throttle{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: perSecond,
			time.Minute: perSecond * 10,
		}),
	}
}

// Allow reports whether a message in category may be logged now.
func (t *Throttle) Allow(category any) bool {
	if t == nil {
		return true
	}
	_, ok := t.limiter.Allow(category)
	return ok
}

// Warn logs msg at warn level on l unless category is over its rate.
func (t *Throttle) Warn(l *Logger, category any, msg string, args ...any) {
	if t.Allow(category) {
		l.Warn(msg, args...)
	}
}
