//go:build linux

// Package serialtest provides virtual serial devices for tests.
package serialtest

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Pseudo is a PTY pair standing in for a UART. The bridge opens SlavePath
// like a real device; the test plays the peripheral through Master.
type Pseudo struct {
	Master    *os.File
	SlavePath string

	// slave stays open so the line does not hang up between bridge opens.
	slave *os.File
}

// OpenPseudo opens a new PTY pair with the slave in raw mode.
func OpenPseudo() (*Pseudo, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/ptmx: %w", err)
	}

	slaveName, err := ptsname(master)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("failed to get slave name: %w", err)
	}

	if err := unlockpt(master); err != nil {
		master.Close()
		return nil, fmt.Errorf("failed to unlock PTY: %w", err)
	}

	slave, err := os.OpenFile(slaveName, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("failed to open slave PTY: %w", err)
	}

	if err := makeRaw(int(slave.Fd())); err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}

	return &Pseudo{
		Master:    master,
		SlavePath: slaveName,
		slave:     slave,
	}, nil
}

// Close closes both ends.
func (p *Pseudo) Close() error {
	serr := p.slave.Close()
	if err := p.Master.Close(); err != nil {
		return err
	}
	return serr
}

// ptsname returns the name of the slave PTY.
func ptsname(master *os.File) (string, error) {
	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/dev/pts/%d", n), nil
}

// unlockpt unlocks the slave PTY.
func unlockpt(master *os.File) error {
	var unlock int32
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, master.Fd(), syscall.TIOCSPTLCK, uintptr(unsafe.Pointer(&unlock)))
	if errno != 0 {
		return errno
	}
	return nil
}

// makeRaw disables echo and line discipline so bytes pass through untouched
// even before the bridge configures the line.
func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to read slave termios: %w", err)
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("failed to set slave termios: %w", err)
	}
	return nil
}
