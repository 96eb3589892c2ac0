//go:build linux

package serial

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
}

// unixDriver implements Driver with termios ioctls.
type unixDriver struct {
	writeTimeout time.Duration
}

// NewUnixDriver returns the termios driver. Writes that find the device
// full wait up to writeTimeout for it to drain.
func NewUnixDriver(writeTimeout time.Duration) Driver {
	return &unixDriver{writeTimeout: writeTimeout}
}

// unixDevice is a serial device opened non-blocking.
type unixDevice struct {
	fd           int
	path         string
	writeTimeout time.Duration
}

// Open opens the device read/write, non-blocking, without making it the
// controlling terminal.
func (d *unixDriver) Open(path string) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	return &unixDevice{
		fd:           fd,
		path:         path,
		writeTimeout: d.writeTimeout,
	}, nil
}

// Configure puts the device in raw 8N1 mode at baud.
func (d *unixDriver) Configure(dev Device, baud int) error {
	ud, ok := dev.(*unixDevice)
	if !ok {
		return ErrForeignDevice
	}

	speed, ok := baudRates[baud]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
	}

	t, err := unix.IoctlGetTermios(ud.fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to read termios of %s: %w", ud.path, err)
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD | unix.CRTSCTS
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(ud.fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("failed to set termios of %s: %w", ud.path, err)
	}

	return nil
}

// Read reads pending bytes. EAGAIN means nothing is available.
func (u *unixDevice) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(u.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, &os.PathError{Op: "read", Path: u.path, Err: err}
		}
	}
}

// Write writes p, waiting for the device to become writable on EAGAIN.
func (u *unixDevice) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(u.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := u.waitWritable(); err != nil {
				return 0, err
			}
		default:
			return 0, &os.PathError{Op: "write", Path: u.path, Err: err}
		}
	}
}

func (u *unixDevice) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(u.fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(u.writeTimeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return &os.PathError{Op: "poll", Path: u.path, Err: err}
		}
		if n == 0 {
			return ErrWriteTimeout
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return &os.PathError{Op: "poll", Path: u.path, Err: unix.EIO}
		}
		return nil
	}
}

// Close releases the file descriptor.
func (u *unixDevice) Close() error {
	if err := unix.Close(u.fd); err != nil {
		return &os.PathError{Op: "close", Path: u.path, Err: err}
	}
	return nil
}
