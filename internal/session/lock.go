package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrLocked means the device stayed locked and the action was dropped.
var ErrLocked = errors.New("device is locked")

// Unlocker gates user actions on secure sessions. Unlock returns nil once
// the device is unlocked; any error drops the action.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// AlwaysUnlocked never blocks.
type AlwaysUnlocked struct{}

// Unlock implements Unlocker.
func (AlwaysUnlocked) Unlock(context.Context) error { return nil }

// DeviceLock tracks the device's lock state. Unlock waits for the device to
// be unlocked, or fails with ErrLocked when ctx ends first.
type DeviceLock struct {
	mu       sync.Mutex
	locked   bool
	unlocked chan struct{}
}

// NewDeviceLock creates a DeviceLock in the given state.
func NewDeviceLock(locked bool) *DeviceLock {
	d := &DeviceLock{unlocked: make(chan struct{})}
	d.locked = locked
	if !locked {
		close(d.unlocked)
	}
	return d
}

// Locked reports the current state.
func (d *DeviceLock) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

// SetLocked updates the state, releasing any waiting Unlock calls when the
// device becomes unlocked.
func (d *DeviceLock) SetLocked(locked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locked == locked {
		return
	}
	d.locked = locked
	if locked {
		d.unlocked = make(chan struct{})
	} else {
		close(d.unlocked)
	}
	log.Debug().Bool("locked", locked).Msg("Device lock state changed")
}

// Unlock implements Unlocker.
func (d *DeviceLock) Unlock(ctx context.Context) error {
	d.mu.Lock()
	wait := d.unlocked
	d.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ErrLocked
	}
}
