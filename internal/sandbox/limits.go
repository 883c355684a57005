// Package sandbox narrows the resources available to a worker process.
//
// A LimitSet is attached to a worker when it is spawned and applied inside the
// worker itself, before its endpoint is opened and before any user code can run.
// Limits are permanent for the lifetime of the process and are inherited by any
// program the worker executes.
package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind names a resource that can be capped.
type Kind string

const (
	CPUSeconds   Kind = "RLIMIT_CPU"     // CPU time in seconds
	AddressSpace Kind = "RLIMIT_AS"      // address space in bytes
	DataSegment  Kind = "RLIMIT_DATA"    // data segment in bytes
	FileSize     Kind = "RLIMIT_FSIZE"   // largest file the process may create, in bytes
	OpenFiles    Kind = "RLIMIT_NOFILE"  // open file descriptors
	Processes    Kind = "RLIMIT_NPROC"   // processes for the real user id
	StackSize    Kind = "RLIMIT_STACK"   // stack size in bytes
	CoreSize     Kind = "RLIMIT_CORE"    // core file size in bytes
	LockedMemory Kind = "RLIMIT_MEMLOCK" // locked memory in bytes
	ResidentSet  Kind = "RLIMIT_RSS"     // resident set size in bytes
)

var knownKinds = map[Kind]bool{
	CPUSeconds:   true,
	AddressSpace: true,
	DataSegment:  true,
	FileSize:     true,
	OpenFiles:    true,
	Processes:    true,
	StackSize:    true,
	CoreSize:     true,
	LockedMemory: true,
	ResidentSet:  true,
}

// ErrUnsupportedLimit is returned when a limit kind cannot be enforced on this host.
var ErrUnsupportedLimit = errors.New("unsupported resource limit")

// LimitSet maps each limited resource to its ceiling. Soft and hard limits
// are both set to the ceiling.
type LimitSet map[Kind]uint64

// ParseLimits validates limit names as they appear in configuration.
// Names are case-insensitive and the RLIMIT_ prefix is optional.
func ParseLimits(raw map[string]uint64) (LimitSet, error) {
	set := make(LimitSet, len(raw))
	for name, v := range raw {
		k := normalizeKind(name)
		if !knownKinds[k] {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedLimit, name)
		}
		set[k] = v
	}
	return set, nil
}

func normalizeKind(name string) Kind {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "RLIMIT_") {
		n = "RLIMIT_" + n
	}
	return Kind(n)
}

// Clone returns an independent copy so a spawn request cannot be mutated after
// it is attached.
func (s LimitSet) Clone() LimitSet {
	if s == nil {
		return nil
	}
	out := make(LimitSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Kinds returns the limited kinds in a stable order.
func (s LimitSet) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s))
	for k := range s {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Raw converts the set back to its configuration form.
func (s LimitSet) Raw() map[string]uint64 {
	out := make(map[string]uint64, len(s))
	for k, v := range s {
		out[string(k)] = v
	}
	return out
}
