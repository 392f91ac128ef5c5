// Package safety provides the global kill switch and circuit breakers.
package safety

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// KillSwitchState is a snapshot of the switch.
type KillSwitchState struct {
	Active        bool      `json:"active"`
	Reason        string    `json:"reason,omitempty"`
	Source        string    `json:"source,omitempty"`
	ActivatedAt   time.Time `json:"activatedAt,omitempty"`
	DeactivatedAt time.Time `json:"deactivatedAt,omitempty"`
}

// KillSwitchListener is notified synchronously on every transition.
type KillSwitchListener func(state KillSwitchState)

// KillSwitch is a global, sticky halt flag. Once active it blocks all new
// order routing until Deactivate is called explicitly; there is no automatic
// reactivation.
type KillSwitch struct {
	logger *zap.Logger

	mu        sync.Mutex
	state     KillSwitchState
	listeners []KillSwitchListener
}

// NewKillSwitch creates an inactive kill switch.
func NewKillSwitch(logger *zap.Logger) *KillSwitch {
	return &KillSwitch{logger: logger.Named("kill-switch")}
}

// Activate halts trading, recording the cause and timestamp. Re-activating
// while active is a no-op aside from listener notification.
func (ks *KillSwitch) Activate(reason, source string) {
	ks.mu.Lock()
	if !ks.state.Active {
		ks.state = KillSwitchState{
			Active:      true,
			Reason:      reason,
			Source:      source,
			ActivatedAt: time.Now(),
		}
	}
	state := ks.state
	listeners := append([]KillSwitchListener(nil), ks.listeners...)
	ks.mu.Unlock()

	ks.logger.Error("KILL SWITCH ACTIVATED - all order routing halted",
		zap.String("reason", reason),
		zap.String("source", source))

	for _, l := range listeners {
		l(state)
	}
}

// Deactivate clears the halt. Only an explicit call resumes trading.
func (ks *KillSwitch) Deactivate() {
	ks.mu.Lock()
	if !ks.state.Active {
		ks.mu.Unlock()
		return
	}
	ks.state.Active = false
	ks.state.DeactivatedAt = time.Now()
	state := ks.state
	listeners := append([]KillSwitchListener(nil), ks.listeners...)
	ks.mu.Unlock()

	ks.logger.Info("Kill switch deactivated")

	for _, l := range listeners {
		l(state)
	}
}

// IsActive reports whether trading is halted.
func (ks *KillSwitch) IsActive() bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state.Active
}

// State returns a copy of the current state.
func (ks *KillSwitch) State() KillSwitchState {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.state
}

// OnTransition registers a listener invoked synchronously on every
// activation and deactivation.
func (ks *KillSwitch) OnTransition(l KillSwitchListener) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.listeners = append(ks.listeners, l)
}
