package network

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"

	"github.com/timenic/timenic-daemon/pkg/errs"
)

// SysFS reads and writes kernel attributes below Root, which is "/" on a
// host and a temp dir in tests.
type SysFS struct {
	Root string
}

// Path joins p below the root.
func (s SysFS) Path(p string) string {
	root := s.Root
	if root == "" {
		root = "/"
	}
	return filepath.Join(root, p)
}

// Exists reports whether p exists.
func (s SysFS) Exists(p string) bool {
	_, err := os.Stat(s.Path(p))
	return err == nil
}

// ReadString returns the trimmed content of an attribute.
func (s SysFS) ReadString(p string) (string, error) {
	b, err := os.ReadFile(s.Path(p))
	if err != nil {
		return "", wrapFSError(p, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ReadInt parses an integer attribute.
func (s SysFS) ReadInt(p string) (int64, error) {
	v, err := s.ReadString(p)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", p, err, errs.ErrInternal)
	}
	return n, nil
}

// WriteString writes value to an existing attribute. sysfs attributes
// cannot be created, so a missing one is reported as Unsupported.
func (s SysFS) WriteString(p, value string) error {
	full := s.Path(p)
	if _, err := os.Stat(full); err != nil {
		return wrapFSError(p, err)
	}
	glog.Infof("Setting \"%s\" > %s", value, full)
	if err := os.WriteFile(full, []byte(value), 0o666); err != nil {
		return fmt.Errorf("writing %s: %v: %w", p, err, errs.ErrInternal)
	}
	return nil
}

// ReadDir lists the entry names of a directory.
func (s SysFS) ReadDir(p string) ([]string, error) {
	entries, err := os.ReadDir(s.Path(p))
	if err != nil {
		return nil, wrapFSError(p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Glob matches pattern below the root and returns root-relative paths.
func (s SysFS) Glob(pattern string) []string {
	matches, err := filepath.Glob(s.Path(pattern))
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(s.Path("/"), m)
		if err != nil {
			continue
		}
		out = append(out, "/"+rel)
	}
	return out
}

// LinkBase returns the base name of a symlink target, e.g. the driver.
func (s SysFS) LinkBase(p string) string {
	target, err := os.Readlink(s.Path(p))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

func wrapFSError(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", p, errs.ErrUnsupported)
	}
	return fmt.Errorf("%s: %v: %w", p, err, errs.ErrInternal)
}
