package supervisor

import (
	"errors"
	"syscall"
)

var errNoProcessGroups = errors.New("process groups are not supported on windows")

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
	sigInt  = syscall.SIGINT
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

func signalGroup(int, syscall.Signal) error { return errNoProcessGroups }

func signalLeader(int, syscall.Signal) error { return errNoProcessGroups }
