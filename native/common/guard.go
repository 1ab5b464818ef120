package common

import "errors"

// ErrEmergencyHalt is returned when a guarded operation is attempted while the
// global emergency circuit breaker covers it.
var ErrEmergencyHalt = errors.New("operation halted by emergency mode")

// HaltView reports whether a named operation kind is currently halted.
type HaltView interface {
	IsHalted(op string) bool
}

// Guard rejects the operation when the halt view covers it. A nil view or
// empty operation name always passes, so components can stay functional before
// the switchboard is wired.
func Guard(h HaltView, op string) error {
	if h == nil || op == "" {
		return nil
	}
	if h.IsHalted(op) {
		return ErrEmergencyHalt
	}
	return nil
}
