package device

import (
	"errors"
	"sync"
)

// ErrInjected is the default error returned by FaultyDevice.
var ErrInjected = errors.New("device: injected fault")

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) intersects(off int64, n int) bool {
	return off < r.End && off+int64(n) > r.Start
}

// Fault defines the failure behavior of a FaultyDevice.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes have been written
	// through the device. -1 disables the limit.
	FailAfterBytes int64

	// FailWrites fails writes intersecting any of these ranges.
	FailWrites []Range

	// FailReads fails reads intersecting any of these ranges.
	FailReads []Range

	FailOnSync bool

	// Err is returned by failing calls. If nil, ErrInjected is used.
	Err error
}

// NoFault disables all injection.
var NoFault = Fault{FailAfterBytes: -1}

// FaultyDevice wraps a Device and injects errors.
type FaultyDevice struct {
	Device

	mu      sync.Mutex
	fault   Fault
	written int64
	failed  int64
}

// NewFaultyDevice wraps inner with injection disabled.
func NewFaultyDevice(inner Device) *FaultyDevice {
	return &FaultyDevice{Device: inner, fault: NoFault}
}

// SetFault replaces the active fault rules and resets the byte counter.
func (d *FaultyDevice) SetFault(f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = f
	d.written = 0
}

// ClearFault disables injection.
func (d *FaultyDevice) ClearFault() {
	d.SetFault(NoFault)
}

// Failed returns how many calls were failed by injection.
func (d *FaultyDevice) Failed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

func (d *FaultyDevice) err() error {
	d.failed++
	if d.fault.Err != nil {
		return d.fault.Err
	}
	return ErrInjected
}

// WriteAt implements Device.
func (d *FaultyDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	if d.fault.FailAfterBytes >= 0 && d.written+int64(len(p)) > d.fault.FailAfterBytes {
		err := d.err()
		d.mu.Unlock()
		return 0, err
	}
	for _, r := range d.fault.FailWrites {
		if r.intersects(off, len(p)) {
			err := d.err()
			d.mu.Unlock()
			return 0, err
		}
	}
	d.written += int64(len(p))
	d.mu.Unlock()

	return d.Device.WriteAt(p, off)
}

// ReadAt implements Device.
func (d *FaultyDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	for _, r := range d.fault.FailReads {
		if r.intersects(off, len(p)) {
			err := d.err()
			d.mu.Unlock()
			return 0, err
		}
	}
	d.mu.Unlock()

	return d.Device.ReadAt(p, off)
}

// Sync implements Device.
func (d *FaultyDevice) Sync() error {
	d.mu.Lock()
	if d.fault.FailOnSync {
		err := d.err()
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	return d.Device.Sync()
}
