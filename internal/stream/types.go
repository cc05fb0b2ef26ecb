// internal/stream/types.go

// Package stream delivers a resumable, checkpointed change stream for one
// watched path. A Stream replays history from its checkpoint up to the moment
// it was prepared, then hands off to live delivery.
package stream

import (
	"strings"

	"github.com/colebrumley/fsstream/internal/device"
)

// SinceNow as a checkpoint means "no history, start from the current event".
const SinceNow int64 = -1

// Flags is the per-event bitmask. Bit positions follow the FSEvents
// kFSEventStreamEventFlag* values so darwin flags pass through unchanged.
type Flags uint32

const (
	MustScanSubDirs    Flags = 0x00000001
	UserDropped        Flags = 0x00000002
	KernelDropped      Flags = 0x00000004
	EventIDsWrapped    Flags = 0x00000008
	HistoryDone        Flags = 0x00000010
	RootChanged        Flags = 0x00000020
	Mount              Flags = 0x00000040
	Unmount            Flags = 0x00000080
	ItemCreated        Flags = 0x00000100
	ItemRemoved        Flags = 0x00000200
	ItemInodeMetaMod   Flags = 0x00000400
	ItemRenamed        Flags = 0x00000800
	ItemModified       Flags = 0x00001000
	ItemFinderInfoMod  Flags = 0x00002000
	ItemChangeOwner    Flags = 0x00004000
	ItemXattrMod       Flags = 0x00008000
	ItemIsFile         Flags = 0x00010000
	ItemIsDir          Flags = 0x00020000
	ItemIsSymlink      Flags = 0x00040000
	OwnEvent           Flags = 0x00080000
	ItemIsHardlink     Flags = 0x00100000
	ItemIsLastHardlink Flags = 0x00200000
	ItemCloned         Flags = 0x00400000
)

// Dropped is set when the OS lost events and the consumer must rescan.
const Dropped = MustScanSubDirs | UserDropped | KernelDropped

var flagNames = []struct {
	flag Flags
	name string
}{
	{MustScanSubDirs, "MustScanSubDirs"},
	{UserDropped, "UserDropped"},
	{KernelDropped, "KernelDropped"},
	{EventIDsWrapped, "EventIDsWrapped"},
	{HistoryDone, "HistoryDone"},
	{RootChanged, "RootChanged"},
	{Mount, "Mount"},
	{Unmount, "Unmount"},
	{ItemCreated, "ItemCreated"},
	{ItemRemoved, "ItemRemoved"},
	{ItemInodeMetaMod, "ItemInodeMetaMod"},
	{ItemRenamed, "ItemRenamed"},
	{ItemModified, "ItemModified"},
	{ItemFinderInfoMod, "ItemFinderInfoMod"},
	{ItemChangeOwner, "ItemChangeOwner"},
	{ItemXattrMod, "ItemXattrMod"},
	{ItemIsFile, "ItemIsFile"},
	{ItemIsDir, "ItemIsDir"},
	{ItemIsSymlink, "ItemIsSymlink"},
	{OwnEvent, "OwnEvent"},
	{ItemIsHardlink, "ItemIsHardlink"},
	{ItemIsLastHardlink, "ItemIsLastHardlink"},
	{ItemCloned, "ItemCloned"},
}

func (f Flags) String() string {
	if f == 0 {
		return "None"
	}
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "Unknown"
	}
	return strings.Join(names, "|")
}

// Event is a single change notification.
type Event struct {
	ID    int64
	Path  string
	Flags Flags
}

// Source is the OS change-notification primitive. Event ids are
// monotonically increasing per device.
type Source interface {
	// LatestEventID returns the id of the most recent event the source knows about.
	LatestEventID() int64
	// OpenHistory replays events after from and marks the end of the replay
	// with a HistoryDone event. Returns ErrHistoryExpired when events after
	// from are no longer retained.
	OpenHistory(t device.Target, from int64) (Session, error)
	// OpenRealtime delivers events after from for as long as the session is open.
	OpenRealtime(t device.Target, from int64) (Session, error)
}

// Session is one open event stream from a Source.
type Session interface {
	// Events yields batches of events in id order.
	Events() <-chan []Event
	// Close releases the session. After Close returns no further batches are sent.
	Close()
}

// DeviceResolver is satisfied by device.Resolver.
type DeviceResolver interface {
	Resolve(path string) (device.Target, error)
}

// Kind tags the two runner variants.
type Kind int

const (
	History Kind = iota
	Realtime
)

func (k Kind) String() string {
	switch k {
	case History:
		return "history"
	case Realtime:
		return "realtime"
	default:
		return "unknown"
	}
}

// RunnerState is the lifecycle of a single runner.
type RunnerState int

const (
	RunnerStopped RunnerState = iota
	RunnerStarting
	RunnerRunning
	RunnerStopping
)

func (s RunnerState) String() string {
	switch s {
	case RunnerStopped:
		return "stopped"
	case RunnerStarting:
		return "starting"
	case RunnerRunning:
		return "running"
	case RunnerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// State is the controller lifecycle.
type State int

const (
	Idle State = iota
	Preparing
	HistoryCatchup
	RealtimeDelivery
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case HistoryCatchup:
		return "history-catchup"
	case RealtimeDelivery:
		return "realtime"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Active reports whether a runner may be delivering events in this state.
func (s State) Active() bool {
	return s == Preparing || s == HistoryCatchup || s == RealtimeDelivery
}
