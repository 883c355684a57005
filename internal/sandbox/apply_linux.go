//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var resources = map[Kind]int{
	CPUSeconds:   unix.RLIMIT_CPU,
	AddressSpace: unix.RLIMIT_AS,
	DataSegment:  unix.RLIMIT_DATA,
	FileSize:     unix.RLIMIT_FSIZE,
	OpenFiles:    unix.RLIMIT_NOFILE,
	Processes:    unix.RLIMIT_NPROC,
	StackSize:    unix.RLIMIT_STACK,
	CoreSize:     unix.RLIMIT_CORE,
	LockedMemory: unix.RLIMIT_MEMLOCK,
	ResidentSet:  unix.RLIMIT_RSS,
}

// Apply lowers the calling process's limits to the ceilings in set.
// Every kind is checked before any limit is changed.
func Apply(set LimitSet) error {
	for _, k := range set.Kinds() {
		if _, ok := resources[k]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedLimit, k)
		}
	}
	for _, k := range set.Kinds() {
		v := set[k]
		if err := unix.Setrlimit(resources[k], &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return fmt.Errorf("set %s to %d: %w", k, v, err)
		}
	}
	return nil
}

// Current reports the soft and hard limit of kind for the calling process.
func Current(k Kind) (soft, hard uint64, err error) {
	res, ok := resources[k]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedLimit, k)
	}
	var rl unix.Rlimit
	if err := unix.Getrlimit(res, &rl); err != nil {
		return 0, 0, fmt.Errorf("get %s: %w", k, err)
	}
	return rl.Cur, rl.Max, nil
}
