package control

import (
	"sync"

	"github.com/gobdus/bdus/internal/device"
	"github.com/gobdus/bdus/internal/wire"
)

// deviceWrapper is the control-level "Device wrapper" of §3: it owns
// a device record, its compact index (determining the minor-number
// window), the attached client (or none), and the handover completion
// used to serialise driver handover.
type deviceWrapper struct {
	mu sync.Mutex

	id     uint64
	index  uint32
	dev    *device.Device
	disk   Disk
	config wire.DeviceConfig

	client *Client

	// handoverDone is non-nil while a handover is in progress; Release
	// closes it to wake the blocked Attach call.
	handoverDone chan struct{}
}

// Client is the control-file-description record of §3: one open
// control session, tracking whether it is attached and whether it has
// latched the "marked successful" flag consulted at release.
type Client struct {
	mu               sync.Mutex
	attached         bool
	markedSuccessful bool
	wrapper          *deviceWrapper
}

// Attached reports whether the client currently owns a device.
func (c *Client) Attached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}
