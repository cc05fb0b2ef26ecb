// internal/device/device.go

// Package device maps a watched path to the volume it lives on.
package device

import (
	"errors"
	"fmt"
)

// ErrPathNotFound is returned when neither the path nor its parent exists.
var ErrPathNotFound = errors.New("path not found")

// Target is a snapshot of where a watched path lives. It is only valid at the
// time it was resolved; volumes can be unmounted and remounted underneath it.
type Target struct {
	Path       string // cleaned absolute path as requested
	Resolved   string // the path that was actually stat'ed (Path or its parent)
	DeviceID   uint64
	MountPoint string
}

// Exists reports whether the watched path itself existed at resolve time.
func (t Target) Exists() bool {
	return t.Path == t.Resolved
}

// SameDevice reports whether two targets were resolved on the same volume.
func (t Target) SameDevice(o Target) bool {
	return t.DeviceID == o.DeviceID && t.MountPoint == o.MountPoint
}

func (t Target) String() string {
	return fmt.Sprintf("%s (dev=%d mount=%s)", t.Path, t.DeviceID, t.MountPoint)
}

// Resolver looks up device identity for paths. It holds no state.
type Resolver struct{}

// NewResolver returns a Resolver.
func NewResolver() Resolver {
	return Resolver{}
}
