//go:build !linux

package sandbox

import "errors"

func applyLimits(pid int, limits ResourceLimits) error {
	return errors.New("resource limits are only supported on linux")
}
