// Package gun implements the one-shot gun-edge capture: reading the
// IMU's latched timestamp registers once the starting signal fires.
package gun

import (
	"fmt"
	"sync/atomic"
)

// TickReader is the subset of the imu.Device the gun capture needs.
// Kept narrow so this package has no hardware dependency of its own.
type TickReader interface {
	StrobeGunTimestamp() (int32, error)
}

// Polarity selects which electrical edge signals the gun firing, per
// SET_SENSOR's "NC"/"NO" payload.
type Polarity int

const (
	// NormallyClosed: the sensor idles high and fires on a rising
	// edge. Configure the input pin with an internal pull-up.
	NormallyClosed Polarity = iota
	// NormallyOpen: the sensor idles low and fires on a falling edge.
	// Configure the input pin with an internal pull-down.
	NormallyOpen
)

func ParsePolarity(s string) (Polarity, bool) {
	switch s {
	case "NC":
		return NormallyClosed, true
	case "NO":
		return NormallyOpen, true
	default:
		return 0, false
	}
}

// Handler captures the gun tick exactly once per arming. Its Trigger
// method guards re-entry and does the IMU register work itself; board
// wiring calls it directly from the gun-edge interrupt callback, so
// that register work runs inside the interrupt context and is not
// deferred to the main loop.
type Handler struct {
	armed     atomic.Bool
	triggered atomic.Bool
	fired     atomic.Bool
	tick      atomic.Int64
}

// Arm readies the handler for a single capture. Call once per ARM.
func (h *Handler) Arm() {
	h.armed.Store(true)
	h.triggered.Store(false)
	h.fired.Store(false)
	h.tick.Store(0)
}

// Trigger is idempotent: only the first call after Arm performs the
// IMU read and disarms the handler.
func (h *Handler) Trigger(dev TickReader) error {
	if !h.armed.Load() {
		return nil
	}
	if !h.triggered.CompareAndSwap(false, true) {
		return nil // already captured this run
	}
	tick, err := dev.StrobeGunTimestamp()
	if err != nil {
		return fmt.Errorf("gun: %w", err)
	}
	h.tick.Store(int64(tick))
	h.fired.Store(true)
	h.armed.Store(false)
	return nil
}

// GunTick implements detector.GunClock.
func (h *Handler) GunTick() (int64, bool) {
	if !h.fired.Load() {
		return 0, false
	}
	return h.tick.Load(), true
}
