package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/gobdus/bdus/internal/constants"
	"github.com/gobdus/bdus/internal/device"
	"github.com/gobdus/bdus/internal/logging"
	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

// Coordinator is the process-wide singleton of §4.3. The zero value
// is not usable; construct with New.
type Coordinator struct {
	// mu is the process-wide mutex linearising create/attach/release/
	// terminate/trigger_destruction (§5).
	mu sync.Mutex

	// spin is the short spinlock guarding the "devices count / next
	// id" pair and the destroy-wait set, so wait_until_destroyed can
	// test "id never existed" without taking mu (§3, §5). Modelled as
	// a plain mutex: Go gives no portable spinlock primitive, and the
	// critical sections it guards are O(1) map operations.
	spin sync.Mutex

	nextID      uint64
	devices     map[uint32]*deviceWrapper
	idToIndex   map[uint64]uint32
	freeIndices []uint32

	destroyWaiters map[uint64][]chan struct{}

	opts    Options
	major   uint32
	factory DiskFactory
	log     *logging.Logger
}

// New constructs a Coordinator. factory is consulted by CreateDevice
// to materialize each device's external kernel collaborator (§0); in
// production this drives the real Linux NBD driver (internal/nbd), in
// tests it can be a plain in-memory stub.
func New(opts Options, major uint32, factory DiskFactory, log *logging.Logger) *Coordinator {
	if opts.MaxDevices <= 0 || opts.MaxDevices > constants.MaxSimultaneousDevicesCap {
		opts.MaxDevices = constants.DefaultMaxSimultaneousDevices
	}
	if log == nil {
		log = logging.Default()
	}
	free := make([]uint32, opts.MaxDevices)
	for i := range free {
		free[i] = uint32(i)
	}
	return &Coordinator{
		devices:        make(map[uint32]*deviceWrapper, opts.MaxDevices),
		idToIndex:      make(map[uint64]uint32, opts.MaxDevices),
		freeIndices:    free,
		destroyWaiters: make(map[uint64][]chan struct{}),
		opts:           opts,
		major:          major,
		factory:        factory,
		log:            log,
	}
}

// Open returns a new, unattached control-file-description session.
func (c *Coordinator) Open() *Client {
	return &Client{}
}

func (c *Coordinator) allocateIndexLocked() (uint32, bool) {
	if len(c.freeIndices) == 0 {
		return 0, false
	}
	index := c.freeIndices[0]
	c.freeIndices = c.freeIndices[1:]
	return index, true
}

func (c *Coordinator) releaseIndexLocked(index uint32) {
	c.freeIndices = append(c.freeIndices, index)
}

func einval(msg string, args ...any) error {
	return fmt.Errorf("control: "+msg+": %w", append(args, unix.EINVAL)...)
}

// CreateDevice allocates an index cyclically, validates and adjusts
// config, assigns the next id, creates the inverter (via device.New),
// the disk (via the coordinator's DiskFactory), and attaches client
// (§4.3 create_device).
func (c *Coordinator) CreateDevice(client *Client, config wire.DeviceConfig) (wire.DeviceConfig, error) {
	if client.Attached() {
		return wire.DeviceConfig{}, einval("client already attached to a device")
	}

	if err := config.Validate(); err != nil {
		return wire.DeviceConfig{}, fmt.Errorf("control: invalid device config: %v: %w", err, unix.EINVAL)
	}
	adjusted := config.Adjusted()

	c.mu.Lock()

	index, ok := c.allocateIndexLocked()
	if !ok {
		c.mu.Unlock()
		return wire.DeviceConfig{}, fmt.Errorf("control: too many devices: %w", unix.ENOSPC)
	}

	c.spin.Lock()
	id := c.nextID
	c.nextID++
	c.spin.Unlock()
	adjusted.ID = id

	disk, err := c.factory(id, adjusted)
	if err != nil {
		c.spin.Lock()
		c.releaseIndexLocked(index)
		c.spin.Unlock()
		c.mu.Unlock()
		return wire.DeviceConfig{}, fmt.Errorf("control: creating disk: %w", err)
	}

	wrapper := &deviceWrapper{id: id, index: index, config: adjusted, disk: disk}
	wrapper.dev = device.New(adjusted, disk.Complete, c.log)
	disk.Attach(wrapper.dev)
	wrapper.client = client

	client.mu.Lock()
	client.attached = true
	client.wrapper = wrapper
	client.mu.Unlock()

	c.spin.Lock()
	c.devices[index] = wrapper
	c.idToIndex[id] = index
	c.spin.Unlock()

	c.mu.Unlock()

	go c.runDiskAdder(wrapper)

	return adjusted, nil
}

// runDiskAdder waits for the disk to become visible and then performs
// the UNAVAILABLE→ACTIVE transition (§4.2), mirroring the teacher's
// asynchronous add-device goroutine.
func (c *Coordinator) runDiskAdder(wrapper *deviceWrapper) {
	<-wrapper.disk.Ready()
	if err := wrapper.dev.MarkAvailable(); err != nil {
		c.log.WithDevice(wrapper.id).Warn("disk became ready after device left UNAVAILABLE", "error", err)
	}
}

func (c *Coordinator) lookupByIDLocked(id uint64) (*deviceWrapper, bool) {
	c.spin.Lock()
	index, ok := c.idToIndex[id]
	if !ok {
		c.spin.Unlock()
		return nil, false
	}
	wrapper := c.devices[index]
	c.spin.Unlock()
	return wrapper, wrapper != nil
}

// Attach attaches client to the existing device id, performing driver
// handover if another client is currently attached (§4.3 attach).
func (c *Coordinator) Attach(ctx context.Context, client *Client, id uint64) (wire.DeviceConfig, error) {
	if client.Attached() {
		return wire.DeviceConfig{}, fmt.Errorf("control: client already attached: %w", unix.EINVAL)
	}

	c.mu.Lock()
	wrapper, ok := c.lookupByIDLocked(id)
	if !ok {
		c.mu.Unlock()
		return wire.DeviceConfig{}, fmt.Errorf("control: no such device %d: %w", id, unix.ENODEV)
	}

	wrapper.mu.Lock()
	if wrapper.dev.State() == device.StateUnavailable {
		wrapper.mu.Unlock()
		c.mu.Unlock()
		return wire.DeviceConfig{}, fmt.Errorf("control: device %d not yet available: %w", id, unix.EBUSY)
	}
	if wrapper.handoverDone != nil {
		wrapper.mu.Unlock()
		c.mu.Unlock()
		return wire.DeviceConfig{}, fmt.Errorf("control: handover already in progress on device %d: %w", id, unix.EINPROGRESS)
	}

	if wrapper.client != nil {
		waitCh := make(chan struct{})
		wrapper.handoverDone = waitCh
		wrapper.mu.Unlock()
		c.mu.Unlock()

		wrapper.dev.Deactivate(true)

		select {
		case <-waitCh:
		case <-ctx.Done():
			wrapper.mu.Lock()
			wrapper.handoverDone = nil
			wrapper.mu.Unlock()
			return wire.DeviceConfig{}, fmt.Errorf("control: handover interrupted: %w", unix.EINTR)
		}

		c.mu.Lock()
		wrapper.mu.Lock()
		wrapper.handoverDone = nil
	}
	// Both branches reach here with c.mu and wrapper.mu held exactly
	// once: the "no prior client" path never released them, and the
	// handover path re-acquired both after the wait.
	defer c.mu.Unlock()
	defer wrapper.mu.Unlock()

	if wrapper.dev.State() == device.StateTerminated {
		c.destroyWrapperLocked(wrapper)
		return wire.DeviceConfig{}, fmt.Errorf("control: device %d terminated during handover: %w", id, unix.ENODEV)
	}

	if err := wrapper.dev.Activate(); err != nil {
		return wire.DeviceConfig{}, fmt.Errorf("control: reactivating device %d: %w", id, err)
	}

	wrapper.client = client
	client.mu.Lock()
	client.attached = true
	client.wrapper = wrapper
	client.mu.Unlock()

	return wrapper.dev.Config(), nil
}

// Release is invoked when the owning process closes its control
// handle; it applies the release-state table of §4.3.
func (c *Coordinator) Release(client *Client) {
	client.mu.Lock()
	wrapper := client.wrapper
	markedSuccessful := client.markedSuccessful
	client.attached = false
	client.wrapper = nil
	client.mu.Unlock()

	if wrapper == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wrapper.mu.Lock()
	state := wrapper.dev.State()
	recoverable := wrapper.config.Recoverable
	hasWaiter := wrapper.handoverDone != nil
	wrapper.client = nil

	destroy := false
	switch state {
	case device.StateUnavailable:
		destroy = true

	case device.StateActive:
		switch {
		case !recoverable && !markedSuccessful:
			wrapper.dev.Terminate()
			if hasWaiter {
				c.wakeHandoverLocked(wrapper)
			} else {
				destroy = true
			}
		case recoverable:
			wrapper.dev.Deactivate(false)
			c.wakeHandoverLocked(wrapper)
		default: // !recoverable && markedSuccessful
			wrapper.dev.Deactivate(false)
			c.wakeHandoverLocked(wrapper)
		}

	case device.StateInactive:
		switch {
		case !recoverable && !markedSuccessful:
			wrapper.dev.Terminate()
			if !hasWaiter {
				destroy = true
			}
		case recoverable:
			c.wakeHandoverLocked(wrapper)
		}

	case device.StateTerminated:
		if hasWaiter {
			c.wakeHandoverLocked(wrapper)
		} else {
			destroy = true
		}
	}
	wrapper.mu.Unlock()

	if destroy {
		c.destroyWrapperLocked(wrapper)
	}
}

// wakeHandoverLocked wakes a blocked Attach call, if any. Must be
// called with wrapper.mu held.
func (c *Coordinator) wakeHandoverLocked(wrapper *deviceWrapper) {
	if wrapper.handoverDone != nil {
		close(wrapper.handoverDone)
	}
}

// Terminate signals the inverter to send TERMINATE-family pseudo
// items to client's device, per §4.3 terminate(client).
func (c *Coordinator) Terminate(client *Client) error {
	client.mu.Lock()
	wrapper := client.wrapper
	client.mu.Unlock()
	if wrapper == nil {
		return fmt.Errorf("control: client not attached: %w", unix.ENODEV)
	}

	wrapper.mu.Lock()
	state := wrapper.dev.State()
	recoverable := wrapper.config.Recoverable
	wrapper.mu.Unlock()

	if state == device.StateUnavailable || !recoverable {
		wrapper.dev.Terminate()
	} else {
		wrapper.dev.Deactivate(false)
	}
	return nil
}

// MarkSuccessful latches client's per-client flag consulted at
// release time (§4.3 mark_successful).
func (c *Coordinator) MarkSuccessful(client *Client) {
	client.mu.Lock()
	client.markedSuccessful = true
	client.mu.Unlock()
}

// PathToID resolves a block special file path to a device id (§4.3
// path_to_id).
func (c *Coordinator) PathToID(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("control: stat %s: %w", path, unix.ENOTBLK)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return 0, fmt.Errorf("control: %s is not a block special file: %w", path, unix.ENOTBLK)
	}

	rdev := uint64(st.Rdev)
	major := unix.Major(rdev)
	minor := unix.Minor(rdev)

	if major != c.major {
		return 0, fmt.Errorf("control: %s has unrecognised major %d: %w", path, major, unix.EINVAL)
	}
	if minor%constants.MinorWindow != 0 {
		return 0, fmt.Errorf("control: %s addresses a partition: %w", path, unix.ECHILD)
	}

	index := minor / constants.MinorWindow

	c.spin.Lock()
	wrapper, ok := c.devices[index]
	c.spin.Unlock()
	if !ok {
		return 0, fmt.Errorf("control: no device at index %d: %w", index, unix.ENODEV)
	}
	return wrapper.id, nil
}

// GetDeviceConfig returns the live device's adjusted configuration
// (§6.2 GET_DEVICE_CONFIG).
func (c *Coordinator) GetDeviceConfig(id uint64) (wire.DeviceConfig, error) {
	c.mu.Lock()
	wrapper, ok := c.lookupByIDLocked(id)
	c.mu.Unlock()
	if !ok {
		return wire.DeviceConfig{}, fmt.Errorf("control: no such device %d: %w", id, unix.ENODEV)
	}
	return wrapper.dev.Config(), nil
}

// Device returns the underlying device record for id, so a driver pump
// outside this package (bdus.go's pump loop) can drive its inverter
// directly via BeginGet/CommitGet/BeginComplete/CommitComplete.
func (c *Coordinator) Device(id uint64) (*device.Device, error) {
	c.mu.Lock()
	wrapper, ok := c.lookupByIDLocked(id)
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("control: no such device %d: %w", id, unix.ENODEV)
	}
	return wrapper.dev, nil
}

// FlushDevice performs a synchronous flush, skipped on read-only
// devices and tolerant of EOPNOTSUPP (§4.3 flush_device).
func (c *Coordinator) FlushDevice(id uint64) error {
	c.mu.Lock()
	wrapper, ok := c.lookupByIDLocked(id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("control: no such device %d: %w", id, unix.ENODEV)
	}
	if wrapper.dev.ReadOnly() {
		return nil
	}
	if err := wrapper.disk.Flush(); err != nil && err != unix.EOPNOTSUPP {
		return err
	}
	return nil
}

// TriggerDestruction fires a fire-and-forget destruction (§4.3
// trigger_destruction). A second call on an id that no longer exists
// is a no-op, matching the idempotence law of §8.
func (c *Coordinator) TriggerDestruction(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wrapper, ok := c.lookupByIDLocked(id)
	if !ok {
		return nil
	}

	wrapper.mu.Lock()
	hasClient := wrapper.client != nil
	wrapper.mu.Unlock()

	if hasClient {
		wrapper.dev.Terminate()
		return nil
	}
	c.destroyWrapperLocked(wrapper)
	return nil
}

// WaitUntilDestroyed blocks interruptibly until id has left the
// device table, or returns immediately if id was never used or
// already gone (§4.3 wait_until_destroyed).
func (c *Coordinator) WaitUntilDestroyed(ctx context.Context, id uint64) error {
	c.spin.Lock()
	nextID := c.nextID
	c.spin.Unlock()
	if id >= nextID {
		return fmt.Errorf("control: device id %d was never issued: %w", id, unix.EINVAL)
	}

	for {
		c.spin.Lock()
		if _, live := c.idToIndex[id]; !live {
			c.spin.Unlock()
			return nil
		}
		ch := make(chan struct{})
		c.destroyWaiters[id] = append(c.destroyWaiters[id], ch)
		c.spin.Unlock()

		select {
		case <-ch:
			// re-check at the top of the loop
		case <-ctx.Done():
			return fmt.Errorf("control: wait interrupted: %w", unix.EINTR)
		}
	}
}

// destroyWrapperLocked removes wrapper from the table, closes its
// disk, and wakes every wait_until_destroyed waiter for its id. Must
// be called with c.mu held.
func (c *Coordinator) destroyWrapperLocked(wrapper *deviceWrapper) {
	c.spin.Lock()
	delete(c.devices, wrapper.index)
	delete(c.idToIndex, wrapper.id)
	c.releaseIndexLocked(wrapper.index)
	waiters := c.destroyWaiters[wrapper.id]
	delete(c.destroyWaiters, wrapper.id)
	c.spin.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	if err := wrapper.disk.Close(); err != nil {
		c.log.WithDevice(wrapper.id).Warn("error closing disk on destroy", "error", err)
	}
}
