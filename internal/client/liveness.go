package client

import "time"

type Liveness int

const (
	Alive Liveness = iota
	Warning
	Unresponsive
)

func (l Liveness) String() string {
	switch l {
	case Warning:
		return "warning"
	case Unresponsive:
		return "unresponsive"
	}
	return "alive"
}

// Monitor tracks how long the server has been silent.
type Monitor struct {
	warn    time.Duration
	timeout time.Duration
	last    time.Time
}

func NewMonitor(warn, timeout time.Duration, now time.Time) *Monitor {
	return &Monitor{warn: warn, timeout: timeout, last: now}
}

func (m *Monitor) Seen(now time.Time) { m.last = now }

func (m *Monitor) Status(now time.Time) Liveness {
	silent := now.Sub(m.last)
	switch {
	case silent > m.timeout:
		return Unresponsive
	case silent > m.warn:
		return Warning
	}
	return Alive
}
