package sandbox

import "time"

// Policy describes how worker processes are confined.
type Policy struct {
	Limits      LimitSet      // applied inside every worker before it starts serving
	Interpreter []string      // command that receives user code as its final argument
	ScratchRoot string        // parent of per-worker scratch directories; empty means os.TempDir
	MaxRunTime  time.Duration // wall-clock budget for one execution
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Limits: LimitSet{
			CPUSeconds:   30,
			AddressSpace: 512 << 20,
		},
		Interpreter: []string{"python3", "-u", "-c"},
		MaxRunTime:  60 * time.Second,
	}
}

// Command builds the argv that runs code under this policy.
func (p Policy) Command(code string) []string {
	argv := make([]string, 0, len(p.Interpreter)+1)
	argv = append(argv, p.Interpreter...)
	return append(argv, code)
}
