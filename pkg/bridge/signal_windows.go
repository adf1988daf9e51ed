//go:build windows

package bridge

import "os"

func processTerminateSignal() os.Signal {
	return os.Interrupt
}
