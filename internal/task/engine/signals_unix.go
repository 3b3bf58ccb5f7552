//go:build unix

package engine

import (
	"fmt"
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{
		os.Interrupt,    // SIGINT
		syscall.SIGTERM, // graceful termination
	}
}

func terminateProcess(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

func raiseSignal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return fmt.Errorf("cannot raise %v", sig)
	}
	return syscall.Kill(os.Getpid(), s)
}
