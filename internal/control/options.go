// Package control implements the process-wide coordinator of §4.3:
// the sole serialisation point for device creation, client
// attachment, driver handover, and destruction.
//
// Grounded on the teacher's internal/ctrl.Controller (device table,
// lifecycle methods) generalized to the full create/attach/release/
// terminate/mark_successful/path_to_id/flush_device/
// trigger_destruction/wait_until_destroyed operation set, plus the
// release-state table of §4.3 that the teacher's ublk protocol has no
// equivalent of.
package control

import "github.com/gobdus/bdus/internal/constants"

// Options is process-wide configuration (§6.6), the same shape as the
// teacher's ublk.Options.
type Options struct {
	// MaxDevices bounds the number of simultaneously existing
	// devices (positive, at most constants.MaxSimultaneousDevicesCap).
	MaxDevices int

	// PathPrefix records a block special file family name. Devices are
	// served through the NBD driver's /dev/nbdN nodes; nothing in the
	// module reads this field or creates a "/dev/<prefix>-<id>" file.
	PathPrefix string

	// WorkerAffinity pins per-device worker goroutines to specific
	// CPUs, carried over from the teacher's queue.Runner
	// CPUAffinity/SchedSetaffinity plumbing.
	WorkerAffinity []int
}

// DefaultOptions returns sensible process-wide defaults.
func DefaultOptions() Options {
	return Options{
		MaxDevices: constants.DefaultMaxSimultaneousDevices,
		PathPrefix: constants.DevicePathPrefix,
	}
}
