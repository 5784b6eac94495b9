package risk

import (
	"sync/atomic"
)

// KillSwitch is the process-wide halt flag. It is never persisted: a
// restart always comes up in the configured default so consent cannot
// outlive the process. The pipeline checks it at entry and again
// immediately before signing; work already past signing settles in
// place.
type KillSwitch struct {
	halted atomic.Bool

	consecutiveErrors    atomic.Int64
	maxConsecutiveErrors int64
}

// NewKillSwitch creates the switch. maxConsecutiveErrors <= 0 disables
// the auto-halt on repeated execution failures.
func NewKillSwitch(maxConsecutiveErrors int64) *KillSwitch {
	return &KillSwitch{maxConsecutiveErrors: maxConsecutiveErrors}
}

// Halt trips the switch (operator action or fatal anomaly).
func (k *KillSwitch) Halt() {
	if k == nil {
		return
	}
	k.halted.Store(true)
}

// Resume clears the switch and the consecutive error count.
func (k *KillSwitch) Resume() {
	if k == nil {
		return
	}
	k.halted.Store(false)
	k.consecutiveErrors.Store(0)
}

// Halted is the fast-path check.
func (k *KillSwitch) Halted() bool {
	if k == nil {
		return false
	}
	if k.halted.Load() {
		return true
	}
	if k.maxConsecutiveErrors > 0 && k.consecutiveErrors.Load() >= k.maxConsecutiveErrors {
		k.halted.Store(true)
		return true
	}
	return false
}

// OnSuccess resets the consecutive error count after a completed
// execution.
func (k *KillSwitch) OnSuccess() {
	if k == nil {
		return
	}
	k.consecutiveErrors.Store(0)
}

// OnError accumulates execution failures toward the auto-halt.
func (k *KillSwitch) OnError() {
	if k == nil {
		return
	}
	k.consecutiveErrors.Add(1)
}
