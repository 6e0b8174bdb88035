package sandbox

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// applyLimits sets rlimits on a running process with prlimit(2)
func applyLimits(pid int, limits ResourceLimits) error {
	var errs []error
	set := func(name string, resource int, value uint64) {
		if value == 0 {
			return
		}
		rl := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	set("RLIMIT_AS", unix.RLIMIT_AS, limits.MaxMemoryBytes)
	set("RLIMIT_CPU", unix.RLIMIT_CPU, limits.MaxCPUSeconds)
	set("RLIMIT_NOFILE", unix.RLIMIT_NOFILE, limits.MaxOpenFiles)

	return errors.Join(errs...)
}
