package provision

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/turtacn/rigkeeper/pkg/consts"
)

// ErrNotUnderPrefix is returned when a removal target escapes the install root.
type ErrNotUnderPrefix struct {
	Target string
	Prefix string
}

func (e *ErrNotUnderPrefix) Error() string {
	return fmt.Sprintf("target %q is not under allowed prefix %q", e.Target, e.Prefix)
}

// SafeRemoveAll removes target only if it is a proper subpath of prefix.
// Symlinks are resolved on both sides first; a missing target is not an error.
func SafeRemoveAll(target, prefix string) error {
	cleanTarget := filepath.Clean(target)
	cleanPrefix := filepath.Clean(prefix)

	resolvedTarget, err := filepath.EvalSymlinks(cleanTarget)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &ErrNotUnderPrefix{Target: target, Prefix: prefix}
	}
	resolvedPrefix, err := filepath.EvalSymlinks(cleanPrefix)
	if err != nil {
		return &ErrNotUnderPrefix{Target: target, Prefix: prefix}
	}
	if !IsSubpath(resolvedTarget, resolvedPrefix) {
		return &ErrNotUnderPrefix{Target: target, Prefix: prefix}
	}
	return os.RemoveAll(cleanTarget)
}

// IsSubpath reports whether target lies strictly below prefix.
func IsSubpath(target, prefix string) bool {
	withSep := prefix
	if !strings.HasSuffix(withSep, string(filepath.Separator)) {
		withSep += string(filepath.Separator)
	}
	return strings.HasPrefix(target, withSep) && len(target) > len(prefix)
}

// findExecutable looks for name inside dir, descending into archive
// subdirectories but never into the in_progress marker.
func findExecutable(dir, name string) (string, bool) {
	direct := filepath.Join(dir, name)
	if isFile(direct) {
		return direct, true
	}

	var found string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == consts.InProgressDir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == name && found == "" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	return found, found != ""
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
