package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/fsutil"
)

// PIDDir stores the last-known PID of each named process as <dir>/<name>.pid
type PIDDir struct {
	dir string
}

// NewPIDDir returns a PIDDir rooted at dir. The directory is created lazily.
func NewPIDDir(dir string) PIDDir {
	return PIDDir{dir: dir}
}

// Path returns the PID file path for name
func (p PIDDir) Path(name string) string {
	return filepath.Join(p.dir, name+".pid")
}

// Write records pid for name
func (p PIDDir) Write(name string, pid int) error {
	if p.dir == "" {
		return nil
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return fsutil.WriteFileAtomic(p.Path(name), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid for name. ok is false when no file exists.
func (p PIDDir) Read(name string) (pid int, ok bool, err error) {
	if p.dir == "" {
		return 0, false, nil
	}
	data, err := os.ReadFile(p.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("parse pid file %s: %w", p.Path(name), err)
	}
	return pid, true, nil
}

// Remove deletes the PID file for name; a missing file is not an error
func (p PIDDir) Remove(name string) error {
	if p.dir == "" {
		return nil
	}
	err := os.Remove(p.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
