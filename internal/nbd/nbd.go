// Package nbd is the concrete "kernel resident block special file
// reachable through a control character device" half of a bdus device
// (§0, §6.5): it drives the real Linux NBD (Network Block Device)
// driver's ioctl/socket handshake, translates NBD wire requests into
// device.Device.Submit calls, and writes NBD replies once the
// inverter's commit_complete fires.
//
// Grounded on other_examples/24b724d0_derlaft-go-nbd__nbd.go.go's
// Connect/Wait/handle trio, generalized from its single fixed
// read/write/flush/trim dispatch to the full device.BlockOp set and
// rewired to submit through this module's Inverter instead of calling
// a user ReadAt/WriteAt directly.
package nbd

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/gobdus/bdus/internal/control"
	"github.com/gobdus/bdus/internal/device"
	"github.com/gobdus/bdus/internal/ioctlnum"
	"github.com/gobdus/bdus/internal/logging"
	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

// Ioctl request numbers from <linux/nbd.h> and <linux/fs.h>, packed
// with the same _IO encoding the kernel headers use (type 0xab for
// NBD, 0x12 for the generic block ioctls), grounded on
// internal/ioctlnum.
var (
	reqSetSock       = ioctlnum.IO(0xab, 0)
	reqSetBlkSize    = ioctlnum.IO(0xab, 1)
	reqDoIt          = ioctlnum.IO(0xab, 3)
	reqClearSock     = ioctlnum.IO(0xab, 4)
	reqSetSizeBlocks = ioctlnum.IO(0xab, 7)
	reqDisconnect    = ioctlnum.IO(0xab, 8)
	reqSetFlags      = ioctlnum.IO(0xab, 10)
	reqBlkROSet      = ioctlnum.IO(0x12, 93)
)

// NBD request/reply wire constants (network byte order on the wire).
const (
	requestMagic = 0x25609513
	replyMagic   = 0x67446698

	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3
	cmdTrim  = 4

	cmdFlagFUA = 1 << 0

	flagHasFlags = 1 << 0
	flagSendFUA  = 1 << 3
)

const requestHeaderSize = 28
const replyHeaderSize = 16

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// syncFlush is the reqRef used for Device.Flush's internally
// originated flush request, distinguishing it from kernel-originated
// IOContexts in Complete's dispatch.
type syncFlush struct {
	done chan unix.Errno
}

// Device drives one /dev/nbdN node on behalf of a single bdus device,
// implementing control.Disk.
type Device struct {
	id     uint64
	config wire.DeviceConfig
	log    *logging.Logger

	nbdFile *os.File
	path    string
	ourSock int
	kernSock int

	dev *device.Device

	ready     chan struct{}
	readyOnce sync.Once

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

var _ control.Disk = (*Device)(nil)

// NewDevice locates a free /dev/nbdN node, performs the NBD_SET_SOCK
// handshake, and returns a Device ready to be Attach-ed to its owning
// device.Device by the control coordinator.
func NewDevice(id uint64, config wire.DeviceConfig, log *logging.Logger) (*Device, error) {
	if log == nil {
		log = logging.Default()
	}
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("nbd: socketpair: %w", err)
	}

	d := &Device{
		id:       id,
		config:   config,
		log:      log.WithDevice(id),
		ourSock:  pair[0],
		kernSock: pair[1],
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
	}

	if err := d.connect(); err != nil {
		unix.Close(pair[0])
		unix.Close(pair[1])
		return nil, err
	}

	go d.runDoIt()
	go d.requestLoop()

	return d, nil
}

func (d *Device) connect() error {
	for i := 0; ; i++ {
		path := fmt.Sprintf("/dev/nbd%d", i)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("nbd: no free /dev/nbdN device found (%d checked): %w", i, unix.ENODEV)
		}
		if _, err := os.Stat(fmt.Sprintf("/sys/block/nbd%d/pid", i)); !os.IsNotExist(err) {
			continue // busy
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		_ = ioctl(int(f.Fd()), reqBlkROSet, 0)
		if err := ioctl(int(f.Fd()), reqSetSock, uintptr(d.kernSock)); err != nil {
			f.Close()
			continue
		}

		d.nbdFile = f
		d.path = path
		break
	}

	if err := ioctl(int(d.nbdFile.Fd()), reqSetBlkSize, uintptr(d.config.LogicalBlockSize)); err != nil {
		return fmt.Errorf("nbd: NBD_SET_BLKSIZE: %w", err)
	}
	blocks := uint64(d.config.Size) / uint64(d.config.LogicalBlockSize)
	if err := ioctl(int(d.nbdFile.Fd()), reqSetSizeBlocks, uintptr(blocks)); err != nil {
		return fmt.Errorf("nbd: NBD_SET_SIZE_BLOCKS: %w", err)
	}

	flags := uintptr(flagHasFlags)
	if d.config.SupportsFUAWrite {
		flags |= flagSendFUA
	}
	if err := ioctl(int(d.nbdFile.Fd()), reqSetFlags, flags); err != nil {
		return fmt.Errorf("nbd: NBD_SET_FLAGS: %w", err)
	}

	d.readyOnce.Do(func() { close(d.ready) })
	return nil
}

// runDoIt issues the blocking NBD_DO_IT ioctl, pinned to its own OS
// thread per the kernel's per-device single-thread expectation
// (mirroring the teacher's queue.Runner.ioLoop LockOSThread
// convention).
func (d *Device) runDoIt() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ioctl(int(d.nbdFile.Fd()), reqDoIt, 0); err != nil {
		d.log.Debug("NBD_DO_IT returned", "error", err)
	}
}

// Attach gives the disk its owning Device, per control.Disk.
func (d *Device) Attach(dev *device.Device) { d.dev = dev }

// Ready is closed once the block special file is visible and
// configured.
func (d *Device) Ready() <-chan struct{} { return d.ready }

// Path returns the block special file path ("/dev/nbdN").
func (d *Device) Path() string { return d.path }

// Flush submits a synthetic flush through the same Submit/Complete
// path kernel requests use and blocks for its completion.
func (d *Device) Flush() error {
	if d.config.ReadOnly() || !d.config.SupportsFlush {
		return nil
	}
	done := make(chan unix.Errno, 1)
	_, err := d.dev.Submit(device.OpFlush, false, false, 0, 0, &syncFlush{done: done})
	if err != nil {
		return err
	}
	if errno := <-done; errno != 0 {
		return errno
	}
	return nil
}

// Close tears down the kernel handshake and closes both socket ends.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.nbdFile != nil {
			_ = ioctl(int(d.nbdFile.Fd()), reqDisconnect, 0)
			_ = ioctl(int(d.nbdFile.Fd()), reqClearSock, 0)
			err = d.nbdFile.Close()
		}
		unix.Close(d.ourSock)
		unix.Close(d.kernSock)
	})
	return err
}

// Complete implements inverter.CompletionFunc: it writes the NBD reply
// for a kernel-originated request, or wakes a blocked Flush call for a
// synthetic one.
func (d *Device) Complete(reqRef any, errno unix.Errno) {
	switch v := reqRef.(type) {
	case *wire.IOContext:
		d.writeReply(v, errno)
	case *syncFlush:
		v.done <- errno
	}
}

func (d *Device) writeReply(ctx *wire.IOContext, errno unix.Errno) {
	handle, _ := ctx.Native.(uint64)
	errVal := uint32(0)
	if errno != 0 {
		errVal = uint32(errno)
	}

	payload := ctx.Data
	if errno != 0 {
		payload = nil
	}
	buf := make([]byte, replyHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], replyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errVal)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	if errno == 0 {
		copy(buf[replyHeaderSize:], ctx.Data)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, _ = unix.Write(d.ourSock, buf)
}

// requestLoop reads NBD requests off the kernel side of the socket
// pair and submits them to the device's inverter. It never writes a
// reply itself: a request that Submit rejects has already been answered
// through Complete, every other request is answered through Complete
// when it finishes, and a disconnect request gets no reply.
func (d *Device) requestLoop() {
	header := make([]byte, requestHeaderSize)
	for {
		if _, err := readFull(d.ourSock, header); err != nil {
			return
		}

		magic := binary.BigEndian.Uint32(header[0:4])
		if magic != requestMagic {
			continue
		}
		typus := binary.BigEndian.Uint32(header[4:8])
		handle := binary.BigEndian.Uint64(header[8:16])
		from := binary.BigEndian.Uint64(header[16:24])
		length := binary.BigEndian.Uint32(header[24:28])

		cmd := typus & 0xffff
		fua := (typus>>16)&cmdFlagFUA != 0

		switch cmd {
		case cmdRead:
			ctx := &wire.IOContext{Offset: from, Data: make([]byte, length), Native: handle}
			d.submitOrReject(device.OpRead, false, false, from, length, ctx)

		case cmdWrite:
			data := make([]byte, length)
			if _, err := readFull(d.ourSock, data); err != nil {
				return
			}
			ctx := &wire.IOContext{Offset: from, Data: data, Native: handle}
			d.submitOrReject(device.OpWrite, fua, false, from, length, ctx)

		case cmdFlush:
			ctx := &wire.IOContext{Offset: from, Native: handle}
			d.submitOrReject(device.OpFlush, false, false, from, length, ctx)

		case cmdTrim:
			ctx := &wire.IOContext{Offset: from, Native: handle}
			d.submitOrReject(device.OpDiscard, false, true, from, length, ctx)

		case cmdDisc:
			d.dev.Terminate()
			return

		default:
			d.log.Warn("unrecognised NBD command", "typus", typus)
		}
	}
}

func (d *Device) submitOrReject(op device.BlockOp, fua, mayUnmap bool, offset uint64, length uint32, ctx *wire.IOContext) {
	// Submit completes a request it rejects through Complete before
	// returning the error, so the error needs no reply of its own.
	_, _ = d.dev.Submit(op, fua, mayUnmap, offset, length, ctx)
}

func readFull(fd int, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := unix.Read(fd, buf[n:])
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("nbd: unexpected EOF on control socket")
		}
		n += m
	}
	return n, nil
}

// Major reports the NBD driver's device-node major, used by callers
// wiring up control.Coordinator's PathToID expectations when NBD is
// in play (NBD uses a dynamic major, so this is a placeholder callers
// should resolve from /proc/devices in production).
func Major() uint32 { return 43 }
