//go:build linux

package updater

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// exchangeDirs atomically swaps two paths with renameat2(RENAME_EXCHANGE).
func exchangeDirs(a, b string) error {
	err := unix.Renameat2(unix.AT_FDCWD, a, unix.AT_FDCWD, b, unix.RENAME_EXCHANGE)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL), errors.Is(err, unix.EOPNOTSUPP):
		return errExchangeUnsupported
	default:
		return &os.LinkError{Op: "renameat2", Old: a, New: b, Err: err}
	}
}
