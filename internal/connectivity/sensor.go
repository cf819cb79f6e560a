// Package connectivity abstracts the device's network-status sensing.
package connectivity

import "sync/atomic"

// Sensor reports whether the device currently has network connectivity.
type Sensor interface {
	Online() bool
}

// Flag is a manually driven Sensor, set by platform shims or tests.
type Flag struct {
	online atomic.Bool
}

// NewFlag creates a Flag with the given initial state.
func NewFlag(online bool) *Flag {
	f := &Flag{}
	f.online.Store(online)
	return f
}

// Online reports the current state.
func (f *Flag) Online() bool { return f.online.Load() }

// Set updates the state and reports whether it changed.
func (f *Flag) Set(online bool) bool {
	return f.online.Swap(online) != online
}
