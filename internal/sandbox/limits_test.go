package sandbox

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseLimits(t *testing.T) {
	set, err := ParseLimits(map[string]uint64{
		"RLIMIT_CPU": 30,
		"as":         512 << 20,
		" nofile ":   64,
	})
	if err != nil {
		t.Fatalf("ParseLimits: %v", err)
	}
	want := LimitSet{CPUSeconds: 30, AddressSpace: 512 << 20, OpenFiles: 64}
	if !reflect.DeepEqual(set, want) {
		t.Errorf("set = %v, want %v", set, want)
	}
}

func TestParseLimitsRejectsUnknownKind(t *testing.T) {
	_, err := ParseLimits(map[string]uint64{"RLIMIT_GPU": 1})
	if !errors.Is(err, ErrUnsupportedLimit) {
		t.Fatalf("err = %v, want ErrUnsupportedLimit", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := LimitSet{CPUSeconds: 10}
	c := orig.Clone()
	c[CPUSeconds] = 99
	if orig[CPUSeconds] != 10 {
		t.Errorf("original mutated through clone: %v", orig)
	}
	if LimitSet(nil).Clone() != nil {
		t.Error("clone of nil set should be nil")
	}
}

func TestKindsSorted(t *testing.T) {
	set := LimitSet{StackSize: 1, AddressSpace: 2, CPUSeconds: 3}
	got := set.Kinds()
	want := []Kind{AddressSpace, CPUSeconds, StackSize}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}

func TestPolicyCommand(t *testing.T) {
	p := Policy{Interpreter: []string{"sh", "-c"}}
	got := p.Command("echo hi")
	want := []string{"sh", "-c", "echo hi"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Command = %v, want %v", got, want)
	}
	if len(p.Interpreter) != 2 {
		t.Error("Command must not grow the interpreter slice")
	}
}
