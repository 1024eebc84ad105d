package core

import "errors"

// Local errors returned directly to the caller. They signal misuse or an
// empty healthy pool, never a transient network condition.
var (
	ErrDuplicateSystem   = errors.New("system already registered")
	ErrUnknownSystem     = errors.New("unknown system")
	ErrNoAvailableSystem = errors.New("no available system")
)

// ErrMonitorRunning is returned by Start on a monitor that is already running.
var ErrMonitorRunning = errors.New("health monitor already running")
