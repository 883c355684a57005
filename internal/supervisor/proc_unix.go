//go:build unix

package supervisor

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	sigTerm = unix.SIGTERM
	sigKill = unix.SIGKILL
	sigInt  = unix.SIGINT
)

// signalGroup signals every process in the group. ESRCH means the group is
// already gone and is not an error.
func signalGroup(pgid int, sig syscall.Signal) error {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func signalLeader(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
