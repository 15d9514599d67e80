package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gobdus/bdus/internal/device"
	"github.com/gobdus/bdus/internal/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// stubDisk is an in-memory Disk used for coordinator tests, standing
// in for the real NBD-backed disk.
type stubDisk struct {
	ready  chan struct{}
	closed bool
}

func newStubDisk() *stubDisk {
	d := &stubDisk{ready: make(chan struct{})}
	close(d.ready) // immediately visible, unless a test wants otherwise
	return d
}

func (d *stubDisk) Attach(dev *device.Device)             {}
func (d *stubDisk) Ready() <-chan struct{}                { return d.ready }
func (d *stubDisk) Path() string                          { return "/dev/bdus-test" }
func (d *stubDisk) Flush() error                          { return nil }
func (d *stubDisk) Close() error                          { d.closed = true; return nil }
func (d *stubDisk) Complete(reqRef any, errno unix.Errno) {}

func testConfig() wire.DeviceConfig {
	c := wire.DefaultDeviceConfig()
	c.Size = 1 << 20
	c.SupportsRead = true
	c.SupportsWrite = true
	c.SupportsFlush = true
	return c
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	opts := DefaultOptions()
	opts.MaxDevices = 4
	return New(opts, 240, func(id uint64, cfg wire.DeviceConfig) (Disk, error) {
		return newStubDisk(), nil
	}, nil)
}

func waitActive(t *testing.T, c *Coordinator, id uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		cfg, err := c.GetDeviceConfig(id)
		if err != nil {
			return false
		}
		_ = cfg
		wrapper, ok := c.lookupByIDLocked(id)
		return ok && wrapper.dev.State() == device.StateActive
	}, time.Second, time.Millisecond)
}

func TestCreateDeviceAssignsIncreasingIDs(t *testing.T) {
	c := newTestCoordinator(t)

	client1 := c.Open()
	cfg1, err := c.CreateDevice(client1, testConfig())
	require.NoError(t, err)

	client2 := c.Open()
	cfg2, err := c.CreateDevice(client2, testConfig())
	require.NoError(t, err)

	require.Less(t, cfg1.ID, cfg2.ID)
}

func TestCreateDeviceEnospcWhenFull(t *testing.T) {
	c := newTestCoordinator(t)
	for i := 0; i < c.opts.MaxDevices; i++ {
		_, err := c.CreateDevice(c.Open(), testConfig())
		require.NoError(t, err)
	}

	_, err := c.CreateDevice(c.Open(), testConfig())
	require.ErrorIs(t, err, unix.ENOSPC)
}

func TestCreateDeviceInvalidConfig(t *testing.T) {
	c := newTestCoordinator(t)
	cfg := testConfig()
	cfg.Size = 0
	_, err := c.CreateDevice(c.Open(), cfg)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestReleaseNonRecoverableActiveDestroys(t *testing.T) {
	c := newTestCoordinator(t)
	client := c.Open()
	cfg := testConfig()
	cfg.Recoverable = false
	adjusted, err := c.CreateDevice(client, cfg)
	require.NoError(t, err)
	waitActive(t, c, adjusted.ID)

	c.Release(client)

	_, ok := c.lookupByIDLocked(adjusted.ID)
	require.False(t, ok, "non-recoverable device should be destroyed on release")
}

func TestReleaseRecoverableActivePersists(t *testing.T) {
	c := newTestCoordinator(t)
	client := c.Open()
	cfg := testConfig()
	cfg.Recoverable = true
	adjusted, err := c.CreateDevice(client, cfg)
	require.NoError(t, err)
	waitActive(t, c, adjusted.ID)

	c.Release(client)

	wrapper, ok := c.lookupByIDLocked(adjusted.ID)
	require.True(t, ok, "recoverable device should persist clientless")
	require.Equal(t, device.StateInactive, wrapper.dev.State())
}

func TestAttachHandoverAfterRelease(t *testing.T) {
	c := newTestCoordinator(t)
	first := c.Open()
	cfg := testConfig()
	cfg.Recoverable = true
	adjusted, err := c.CreateDevice(first, cfg)
	require.NoError(t, err)
	waitActive(t, c, adjusted.ID)

	c.MarkSuccessful(first)
	c.Release(first)

	second := c.Open()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Attach(ctx, second, adjusted.ID)
	require.NoError(t, err)
	require.True(t, second.Attached())

	wrapper, ok := c.lookupByIDLocked(adjusted.ID)
	require.True(t, ok)
	item, err := wrapper.dev.Inverter().BeginGet(context.Background())
	require.NoError(t, err)
	require.True(t, item.Pseudo)
	require.Equal(t, wire.ItemDeviceAvailable, item.Type)
}

func TestAttachHandoverInterruptedResetsHandoverDone(t *testing.T) {
	c := newTestCoordinator(t)
	first := c.Open()
	cfg := testConfig()
	cfg.Recoverable = true
	adjusted, err := c.CreateDevice(first, cfg)
	require.NoError(t, err)
	waitActive(t, c, adjusted.ID)

	second := c.Open()
	expiredCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Attach(expiredCtx, second, adjusted.ID)
	require.ErrorIs(t, err, unix.EINTR)
	require.False(t, second.Attached())

	wrapper, ok := c.lookupByIDLocked(adjusted.ID)
	require.True(t, ok)
	wrapper.mu.Lock()
	handoverDone := wrapper.handoverDone
	wrapper.mu.Unlock()
	require.Nil(t, handoverDone, "interrupted handover must reset handoverDone")

	c.MarkSuccessful(first)
	c.Release(first)

	third := c.Open()
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = c.Attach(ctx, third, adjusted.ID)
	require.NoError(t, err, "a later attach must not be stuck behind a leaked handoverDone")
}

func TestAttachWhileUnavailableReturnsEBUSY(t *testing.T) {
	c := newTestCoordinator(t)
	client := c.Open()
	blockCh := make(chan struct{})
	c.factory = func(id uint64, cfg wire.DeviceConfig) (Disk, error) {
		d := &stubDisk{ready: blockCh}
		return d, nil
	}
	adjusted, err := c.CreateDevice(client, testConfig())
	require.NoError(t, err)

	second := c.Open()
	_, err = c.Attach(context.Background(), second, adjusted.ID)
	require.ErrorIs(t, err, unix.EBUSY)
	close(blockCh)
}

func TestTriggerDestructionIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t)
	client := c.Open()
	cfg := testConfig()
	cfg.Recoverable = false
	adjusted, err := c.CreateDevice(client, cfg)
	require.NoError(t, err)
	waitActive(t, c, adjusted.ID)

	require.NoError(t, c.TriggerDestruction(adjusted.ID))
	c.Release(client)

	require.NoError(t, c.TriggerDestruction(adjusted.ID)) // no-op, device already gone
}

func TestWaitUntilDestroyedUnknownID(t *testing.T) {
	c := newTestCoordinator(t)
	err := c.WaitUntilDestroyed(context.Background(), 9999)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestWaitUntilDestroyedReturnsOnDestroy(t *testing.T) {
	c := newTestCoordinator(t)
	client := c.Open()
	cfg := testConfig()
	cfg.Recoverable = false
	adjusted, err := c.CreateDevice(client, cfg)
	require.NoError(t, err)
	waitActive(t, c, adjusted.ID)

	done := make(chan error, 1)
	go func() {
		done <- c.WaitUntilDestroyed(context.Background(), adjusted.ID)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Release(client)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUntilDestroyed did not return after destruction")
	}
}

func TestPathToIDRejectsWrongMajor(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.PathToID("/dev/null")
	require.True(t, errors.Is(err, unix.ENOTBLK) || errors.Is(err, unix.EINVAL))
}
