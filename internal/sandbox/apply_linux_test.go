//go:build linux

package sandbox

import (
	"errors"
	"testing"
)

func TestApplyLowersLimit(t *testing.T) {
	// Core dumps are irrelevant to the test binary, so lowering them is safe.
	if err := Apply(LimitSet{CoreSize: 0}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	soft, hard, err := Current(CoreSize)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if soft != 0 || hard != 0 {
		t.Errorf("core limit = (%d, %d), want (0, 0)", soft, hard)
	}
}

func TestApplyRejectsUnknownKindBeforeChanging(t *testing.T) {
	before, _, err := Current(OpenFiles)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	err = Apply(LimitSet{OpenFiles: 16, Kind("RLIMIT_BOGUS"): 1})
	if !errors.Is(err, ErrUnsupportedLimit) {
		t.Fatalf("err = %v, want ErrUnsupportedLimit", err)
	}
	after, _, _ := Current(OpenFiles)
	if after != before {
		t.Errorf("nofile changed from %d to %d despite rejected set", before, after)
	}
}
