package control

import (
	"github.com/gobdus/bdus/internal/device"
	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

// Disk is the control coordinator's view of a device's external
// kernel block-layer collaborator: the thing behind the device's block
// special file (an NBD /dev/nbdN node) that eventually asks the
// inverter to complete requests. Concretely this is implemented by
// internal/nbd.Device, which drives the real Linux NBD driver; tests
// implement it directly for coverage that does not need a live kernel.
type Disk interface {
	// Attach gives the disk its owning Device once the coordinator has
	// constructed it, so the disk's request-handling goroutine can call
	// dev.Submit for inbound kernel requests. Called exactly once,
	// before the disk does anything else that could need it.
	Attach(dev *device.Device)

	// Ready is closed once the block special file has become
	// visible, per §4.2's UNAVAILABLE→ACTIVE trigger.
	Ready() <-chan struct{}

	// Path returns the block special file path.
	Path() string

	// Flush performs flush_device's page-cache write-and-wait plus
	// block-layer flush (§4.3).
	Flush() error

	// Close tears the disk down, used by destroy_device.
	Close() error

	// Complete finishes the kernel request referenced by reqRef with
	// the given already-sanitised errno. Passed to device.New as the
	// inverter's CompletionFunc.
	Complete(reqRef any, errno unix.Errno)
}

// DiskFactory constructs the external kernel collaborator for a
// newly-created device. The returned Disk's Ready channel is watched
// by the coordinator's disk-adder goroutine.
type DiskFactory func(id uint64, config wire.DeviceConfig) (Disk, error)
