// Package device implements the per-device state machine of §4.2: it
// owns an inverter, translates kernel block
// operations into item types, and drives the
// UNAVAILABLE/ACTIVE/INACTIVE/TERMINATED lifecycle on behalf of the
// control coordinator.
//
// Grounded on the teacher's backend.go Device/DeviceState pair and
// internal/queue.Runner's op-dispatch, generalized from ublk's fixed
// op set to the full §6.4 item taxonomy.
package device

import (
	"fmt"
	"sync"

	"github.com/gobdus/bdus/internal/inverter"
	"github.com/gobdus/bdus/internal/logging"
	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

// State is one of the four device lifecycle states.
type State uint8

const (
	StateUnavailable State = iota
	StateActive
	StateInactive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "UNAVAILABLE"
	case StateActive:
		return "ACTIVE"
	case StateInactive:
		return "INACTIVE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// BlockOp is a kernel block-layer operation kind, prior to item-type
// derivation (§4.2 "Request type derivation").
type BlockOp uint8

const (
	OpRead BlockOp = iota
	OpWrite
	OpFlush
	OpDiscard
	OpWriteSame
	OpWriteZeros
	OpSecureErase
	OpIOCTL
)

// DeriveType maps a kernel block operation (plus its FUA/unmap
// modifiers) to the item-type enum of §6.4.
func DeriveType(op BlockOp, fua, mayUnmap bool) wire.ItemType {
	switch op {
	case OpRead:
		return wire.ItemRead
	case OpWrite:
		if fua {
			return wire.ItemFUAWrite
		}
		return wire.ItemWrite
	case OpWriteSame:
		return wire.ItemWriteSame
	case OpWriteZeros:
		if mayUnmap {
			return wire.ItemWriteZerosMayUnmap
		}
		return wire.ItemWriteZerosNoUnmap
	case OpFlush:
		return wire.ItemFlush
	case OpDiscard:
		return wire.ItemDiscard
	case OpSecureErase:
		return wire.ItemSecureErase
	case OpIOCTL:
		return wire.ItemIOCTL
	default:
		return wire.ItemIOCTL
	}
}

// Device is the per-device record of §3 ("Device record"): it owns
// one inverter, the current lifecycle state, and the adjusted
// configuration. The disk handle and tag set referenced by the
// specification live in the control coordinator's device wrapper
// (internal/control), which constructs the concrete NBD-backed disk
// and passes this Device its completion callback.
type Device struct {
	mu     sync.Mutex
	state  State
	config wire.DeviceConfig
	inv    *inverter.Inverter
	log    *logging.Logger
}

// New constructs a Device in the UNAVAILABLE state. complete is
// invoked by the inverter whenever a slot is forced back to FREE and
// must complete its originating kernel request.
func New(config wire.DeviceConfig, complete inverter.CompletionFunc, log *logging.Logger) *Device {
	if log == nil {
		log = logging.Default()
	}
	return &Device{
		state:  StateUnavailable,
		config: config,
		inv:    inverter.New(config.MaxOutstandingReqs, config.SupportsFlush, complete),
		log:    log.WithDevice(config.ID),
	}
}

// Inverter returns the device's inverter, for the control and
// transport layers to drive directly (begin_get/commit_get/...).
func (d *Device) Inverter() *inverter.Inverter { return d.inv }

// Config returns the device's adjusted configuration (§6.2
// GET_DEVICE_CONFIG).
func (d *Device) Config() wire.DeviceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// State returns the device's current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ReadOnly reports §4.2's read-only auto-detection.
func (d *Device) ReadOnly() bool {
	return d.config.ReadOnly()
}

type transitionError struct {
	from, to State
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("device: illegal transition from %s to %s", e.from, e.to)
}

// MarkAvailable performs the UNAVAILABLE→ACTIVE transition once the
// asynchronous disk-adder has made the block disk visible, submitting
// a DEVICE_AVAILABLE pseudo-event.
func (d *Device) MarkAvailable() error {
	d.mu.Lock()
	if d.state != StateUnavailable {
		from := d.state
		d.mu.Unlock()
		return &transitionError{from, StateActive}
	}
	d.state = StateActive
	d.mu.Unlock()

	d.log.Info("device available")
	d.inv.SubmitDeviceAvailable()
	return nil
}

// Deactivate performs ACTIVE→INACTIVE, arming the flush-and-terminate
// pseudo-item when flush is requested and supported.
func (d *Device) Deactivate(flush bool) error {
	d.mu.Lock()
	if d.state != StateActive {
		from := d.state
		d.mu.Unlock()
		return &transitionError{from, StateInactive}
	}
	d.state = StateInactive
	d.mu.Unlock()

	d.log.Info("device deactivated", "flush", flush)
	d.inv.Deactivate(flush)
	return nil
}

// Activate performs INACTIVE→ACTIVE on driver handover, re-queuing
// in-flight requests and re-arming DEVICE_AVAILABLE.
func (d *Device) Activate() error {
	d.mu.Lock()
	if d.state != StateInactive {
		from := d.state
		d.mu.Unlock()
		return &transitionError{from, StateActive}
	}
	d.state = StateActive
	d.mu.Unlock()

	d.log.Info("device re-activated")
	d.inv.Activate()
	return nil
}

// Terminate performs UNAVAILABLE|ACTIVE|INACTIVE→TERMINATED. It is
// idempotent.
func (d *Device) Terminate() {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	d.state = StateTerminated
	d.mu.Unlock()

	d.log.Info("device terminated")
	d.inv.Terminate()
}

// Submit derives the item type for op and forwards to the inverter's
// submit path, rejecting unsupported request types (§4.2).
func (d *Device) Submit(op BlockOp, fua, mayUnmap bool, offset uint64, size uint32, reqRef any) (inverter.Handle, error) {
	t := DeriveType(op, fua, mayUnmap)
	supported := d.config.Supports(t)
	return d.inv.Submit(t, supported, offset, size, reqRef)
}

// Timeout delegates to the inverter's timeout handler, integrating
// with the block layer's per-request timeout callback.
func (d *Device) Timeout(h inverter.Handle) inverter.TimeoutResult {
	return d.inv.Timeout(h)
}

// IsTerminated reports whether the device has reached TERMINATED.
func (d *Device) IsTerminated() bool {
	return d.State() == StateTerminated
}

// SubmitErrno maps a Submit error to a unix.Errno.
func SubmitErrno(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
