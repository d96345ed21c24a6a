package subscribe

import (
	"time"

	"github.com/juju/clock"
)

// paces reconnects. created when an attempt starts;
// `After` fires once `timeout` has passed since then,
// so an attempt that ran for a long time reconnects immediately
type Reconnect struct {
	clock     clock.Clock
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(clock clock.Clock, timeout time.Duration) *Reconnect {
	return &Reconnect{
		clock:     clock,
		startTime: clock.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - self.clock.Now().Sub(self.startTime)
	if remaining < 0 {
		remaining = 0
	}
	return self.clock.After(remaining)
}
