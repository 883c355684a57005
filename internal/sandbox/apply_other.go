//go:build !linux

package sandbox

import "fmt"

// Apply fails for any non-empty set: worker limits are only enforced on linux.
func Apply(set LimitSet) error {
	if len(set) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s (resource limits are only supported on linux)", ErrUnsupportedLimit, set.Kinds()[0])
}

func Current(k Kind) (soft, hard uint64, err error) {
	return 0, 0, fmt.Errorf("%w: %s", ErrUnsupportedLimit, k)
}
