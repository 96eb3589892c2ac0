//go:build windows

package main

import (
	"errors"

	"github.com/rs/zerolog"
)

var errNoDaemon = errors.New("daemon mode and syslog are not supported on windows")

func isDaemonChild() bool {
	return false
}

func daemonize() (int, error) {
	return 0, errNoDaemon
}

func syslogWriter(string) (zerolog.LevelWriter, error) {
	return nil, errNoDaemon
}
