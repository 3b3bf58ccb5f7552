//go:build !unix

package engine

import "os"

func shutdownSignals() []os.Signal {
	// Best effort: at least support os.Interrupt.
	return []os.Signal{os.Interrupt}
}

// No graceful terminate without unix signals.
func terminateProcess(p *os.Process) error {
	return p.Kill()
}

// The default disposition of os.Interrupt is to exit; do that directly.
func raiseSignal(os.Signal) error {
	os.Exit(1)
	return nil
}
