//go:build !windows

package bridge

import "syscall"

func processTerminateSignal() syscall.Signal {
	return syscall.SIGTERM
}
