// Package sysfs walks the kernel device tree exposed under /sys to find
// the ancestor devices (HID, generic input, USB) that give a discovered
// input node its identity.
package sysfs

import (
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
)

// Resolver resolves ancestor devices by walking a sysfs path upward. Both
// lookups truncate the path one component at a time and stop as soon as it
// no longer lies under Root.
type Resolver struct {
	// Root is the sysfs mount point, normally "/sys". Tests point it at a
	// synthetic tree.
	Root string
}

func (r *Resolver) under(path string) bool {
	root := r.Root
	if root == "" {
		root = "/sys"
	}
	return len(path) > len(root)+1 && strings.HasPrefix(path, root+"/")
}

func parentPath(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return ""
	}
	return path[:i]
}

func (r *Resolver) subsystemIs(path, want string) bool {
	target, err := os.Readlink(filepath.Join(path, "subsystem"))
	if err != nil {
		return false
	}
	return filepath.Base(target) == want
}

// FindInputAncestor finds the closest ancestor of path that advertises
// evdev capabilities: a regular capabilities/ev file plus a subsystem link
// pointing at "input". Only the ancestor path is returned; callers read
// the uevent themselves.
func (r *Resolver) FindInputAncestor(path string) (string, bool) {
	for p := path; r.under(p); p = parentPath(p) {
		info, err := os.Stat(filepath.Join(p, "capabilities", "ev"))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if !r.subsystemIs(p, "input") {
			continue
		}
		return p, true
	}
	return "", false
}

// FindAncestorWithSubsystemDevtype finds the closest ancestor of path that
// has a readable uevent file and, when given, the requested subsystem link
// target and a DEVTYPE=<devtype> uevent line. An ancestor without a uevent
// file is not a real device and is skipped. On success the ancestor path
// and its already-read uevent text are returned, so callers do not have to
// read it a second time.
func (r *Resolver) FindAncestorWithSubsystemDevtype(path, subsystem, devtype string) (string, string, bool) {
	for p := path; r.under(p); p = parentPath(p) {
		raw, err := os.ReadFile(filepath.Join(p, "uevent"))
		if err != nil {
			continue
		}
		if subsystem != "" && !r.subsystemIs(p, subsystem) {
			continue
		}
		text := string(raw)
		if devtype != "" && !FieldEquals(text, "DEVTYPE", devtype) {
			continue
		}
		return p, text, true
	}
	return "", "", false
}

// ReadUevent reads the uevent text of a sysfs device directory. A missing
// or unreadable uevent is reported as absent, not as an error.
func ReadUevent(sysPath string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(sysPath, "uevent"))
	if err != nil {
		klog.V(5).Infof("no readable uevent under %s: %v", sysPath, err)
		return "", false
	}
	return string(raw), true
}

// ReadAttr reads a single sysfs attribute file, trimming the trailing
// newline the kernel appends. Missing attributes are absent, not errors.
func ReadAttr(sysPath, name string) (string, bool) {
	raw, err := os.ReadFile(filepath.Join(sysPath, name))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(raw), "\n"), true
}
