package serialtest

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hicat-tech/livera-bridge/internal/serial"
)

// ErrAbsent is the open error of a FakeDriver whose device is detached.
var ErrAbsent = errors.New("no such device")

// FakeDriver is an in-memory serial driver with failure injection.
type FakeDriver struct {
	// OpenDelay is slept inside Open, to widen race windows in tests.
	OpenDelay time.Duration

	opens atomic.Int64

	mu         sync.Mutex
	absent     bool
	failWrites int
	written    [][]byte
	pending    [][]byte
	readErr    error
	maxWrite   int
	configured []int
	current    *FakeDevice
}

// NewFakeDriver returns a driver with an attached device.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// SetAbsent detaches or reattaches the device.
func (d *FakeDriver) SetAbsent(absent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.absent = absent
}

// FailWrites makes the next n writes fail.
func (d *FakeDriver) FailWrites(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWrites = n
}

// FailNextRead makes the next read return err.
func (d *FakeDriver) FailNextRead(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readErr = err
}

// LimitWrite caps how many bytes one Write accepts, forcing partial writes.
func (d *FakeDriver) LimitWrite(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxWrite = n
}

// Feed queues bytes for the bridge to read, as if the peripheral sent them.
func (d *FakeDriver) Feed(p []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, append([]byte(nil), p...))
}

// Opens returns how many times Open was called.
func (d *FakeDriver) Opens() int {
	return int(d.opens.Load())
}

// Writes returns every successful Write call, in order.
func (d *FakeDriver) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

// Written returns all bytes written so far.
func (d *FakeDriver) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return bytes.Join(d.written, nil)
}

// Configured returns the baud rates passed to Configure.
func (d *FakeDriver) Configured() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.configured...)
}

// Open implements serial.Driver.
func (d *FakeDriver) Open(path string) (serial.Device, error) {
	d.opens.Add(1)
	if d.OpenDelay > 0 {
		time.Sleep(d.OpenDelay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.absent {
		return nil, ErrAbsent
	}
	d.current = &FakeDevice{driver: d}
	return d.current, nil
}

// Configure implements serial.Driver.
func (d *FakeDriver) Configure(dev serial.Device, baud int) error {
	if _, ok := dev.(*FakeDevice); !ok {
		return serial.ErrForeignDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.configured = append(d.configured, baud)
	return nil
}

// FakeDevice is a handle returned by FakeDriver.
type FakeDevice struct {
	driver *FakeDriver
	closed atomic.Bool
}

func (f *FakeDevice) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, errors.New("read on closed device")
	}

	d := f.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readErr != nil {
		err := d.readErr
		d.readErr = nil
		return 0, err
	}
	if len(d.pending) == 0 {
		return 0, nil
	}

	n := copy(p, d.pending[0])
	if n == len(d.pending[0]) {
		d.pending = d.pending[1:]
	} else {
		d.pending[0] = d.pending[0][n:]
	}
	return n, nil
}

func (f *FakeDevice) Write(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, errors.New("write on closed device")
	}

	d := f.driver
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failWrites > 0 {
		d.failWrites--
		return 0, errors.New("input/output error")
	}

	n := len(p)
	if d.maxWrite > 0 && n > d.maxWrite {
		n = d.maxWrite
	}
	d.written = append(d.written, append([]byte(nil), p[:n]...))
	return n, nil
}

func (f *FakeDevice) Close() error {
	f.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (f *FakeDevice) Closed() bool {
	return f.closed.Load()
}
