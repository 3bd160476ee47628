// Package inotify is a thin non-blocking wrapper around the kernel inotify
// interface. It exists because the direct discovery backend needs precise
// control over the event mask and over demultiplexing of raw event
// records, which higher-level watchers do not expose.
package inotify

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Masks of interest to device-node watchers, re-exported so callers do not
// need to import unix themselves.
const (
	Create    = unix.IN_CREATE
	MovedTo   = unix.IN_MOVED_TO
	Attrib    = unix.IN_ATTRIB
	Delete    = unix.IN_DELETE
	MovedFrom = unix.IN_MOVED_FROM
)

// ErrTruncatedEvent reports a short read that split an inotify record.
// The kernel guarantees whole records per read, so a truncated record is a
// protocol violation and fatal to the consumer, not something to skip.
var ErrTruncatedEvent = errors.New("inotify: truncated event record")

// Event is one demultiplexed inotify record.
type Event struct {
	WD   int32
	Mask uint32
	Name string
}

const headerSize = unix.SizeofInotifyEvent

// Demux splits a raw read buffer into individual event records, consuming
// one sizeof(header)+name_len record at a time until the buffer is
// exhausted. Events decoded before a truncated record are still returned
// alongside ErrTruncatedEvent.
func Demux(buf []byte) ([]Event, error) {
	var events []Event
	for len(buf) > 0 {
		if len(buf) < headerSize {
			return events, ErrTruncatedEvent
		}
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[0]))
		total := headerSize + int(raw.Len)
		if total > len(buf) {
			return events, ErrTruncatedEvent
		}
		name := ""
		if raw.Len > 0 {
			name = strings.TrimRight(string(buf[headerSize:total]), "\x00")
		}
		events = append(events, Event{WD: raw.Wd, Mask: raw.Mask, Name: name})
		buf = buf[total:]
	}
	return events, nil
}

// Watcher owns one inotify instance. It is non-blocking: Events returns
// whatever the kernel has buffered and nil when nothing is pending.
type Watcher struct {
	fd int
	// buffer holds at least one maximal-length event record.
	buffer [4096]byte
}

func NewWatcher() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify: init failed: %w", err)
	}
	return &Watcher{fd: fd}, nil
}

// AddWatch registers a directory watch and returns its watch descriptor.
func (w *Watcher) AddWatch(path string, mask uint32) (int32, error) {
	wd, err := unix.InotifyAddWatch(w.fd, path, mask)
	if err != nil {
		return -1, fmt.Errorf("inotify: failed to watch %s: %w", path, err)
	}
	return int32(wd), nil
}

// Fd exposes the inotify file descriptor for poll loops.
func (w *Watcher) Fd() int {
	return w.fd
}

// Events performs one bounded non-blocking read and demultiplexes it. An
// empty kernel queue yields (nil, nil).
func (w *Watcher) Events() ([]Event, error) {
	n, err := unix.Read(w.fd, w.buffer[:])
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("inotify: read failed: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}
	return Demux(w.buffer[:n])
}

func (w *Watcher) Close() {
	if w.fd >= 0 {
		unix.Close(w.fd)
		w.fd = -1
	}
}
