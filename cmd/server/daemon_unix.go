//go:build !windows

package main

import (
	"log/syslog"
	"os"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
)

const daemonEnv = "LWSTS_DAEMON"

func isDaemonChild() bool {
	return os.Getenv(daemonEnv) == "1"
}

// daemonize re-executes the binary in a new session with its standard
// streams detached and returns the child's pid.
func daemonize() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devNull.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.Dir = "/"
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	return pid, cmd.Process.Release()
}

func syslogWriter(tag string) (zerolog.LevelWriter, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	return zerolog.SyslogLevelWriter(w), nil
}
