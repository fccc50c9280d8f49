// Package stamp persists consistency-check timestamps. A stamp is a small
// file holding one integer: the Unix time, in milliseconds, of the last
// remote consistency check.
package stamp

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var appFs = afero.NewOsFs()

// ErrNoStamp is returned when no usable stamp exists at a path
var ErrNoStamp = errors.New("no stamp")

// Read returns the time stored at path. A missing or unparsable stamp
// yields ErrNoStamp: either way a new check is due.
func Read(path string) (time.Time, error) {
	data, err := afero.ReadFile(appFs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, ErrNoStamp
		}
		return time.Time{}, fmt.Errorf("failed to read stamp %s: %v", path, err)
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, ErrNoStamp
	}

	return time.UnixMilli(ms), nil
}

// Write stores at in the stamp at path, unless the stamp already holds a
// later time: stamps never move backwards. The new content is written to a
// temporary file first and renamed over the stamp.
func Write(path string, at time.Time) error {
	prev, err := Read(path)
	if err == nil && prev.After(at) {
		return nil
	}

	dir := filepath.Dir(path)
	if err = appFs.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %v", dir, err)
	}

	tmp, err := afero.TempFile(appFs, dir, ".stamp-*")
	if err != nil {
		return fmt.Errorf("failed to create a temporary stamp in %s: %v", dir, err)
	}

	_, err = tmp.WriteString(strconv.FormatInt(at.UnixMilli(), 10) + "\n")
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = appFs.Remove(tmp.Name())
		return fmt.Errorf("failed to write stamp %s: %v", path, err)
	}

	if err = appFs.Rename(tmp.Name(), path); err != nil {
		_ = appFs.Remove(tmp.Name())
		return fmt.Errorf("failed to replace stamp %s: %v", path, err)
	}

	return nil
}

// Remove deletes the stamp at path. A missing stamp isn't an error.
func Remove(path string) error {
	err := appFs.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stamp %s: %v", path, err)
	}
	return nil
}
