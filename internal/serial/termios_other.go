//go:build !linux

package serial

import (
	"errors"
	"runtime"
	"time"
)

var errUnsupportedPlatform = errors.New("serial devices are not supported on " + runtime.GOOS)

type unsupportedDriver struct{}

// NewUnixDriver returns a driver that fails every open on platforms
// without Linux termios.
func NewUnixDriver(time.Duration) Driver {
	return unsupportedDriver{}
}

func (unsupportedDriver) Open(string) (Device, error) {
	return nil, errUnsupportedPlatform
}

func (unsupportedDriver) Configure(Device, int) error {
	return errUnsupportedPlatform
}
