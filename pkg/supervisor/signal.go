package supervisor

import (
	"os"
	"syscall"
)

// terminateSignal returns the signal Stop sends before escalating to Kill.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
