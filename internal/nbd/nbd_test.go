package nbd

import (
	"encoding/binary"
	"testing"

	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

func TestIoctlRequestNumbersMatchKernelHeader(t *testing.T) {
	// Values lifted from <linux/nbd.h> / <linux/fs.h>, confirming the
	// _IO-based packing in internal/ioctlnum reproduces them exactly.
	cases := map[string]struct {
		got  uintptr
		want uintptr
	}{
		"NBD_SET_SOCK":       {reqSetSock, 43776},
		"NBD_SET_BLKSIZE":    {reqSetBlkSize, 43777},
		"NBD_DO_IT":          {reqDoIt, 43779},
		"NBD_CLEAR_SOCK":     {reqClearSock, 43780},
		"NBD_SET_SIZE_BLOCKS": {reqSetSizeBlocks, 43783},
		"NBD_DISCONNECT":     {reqDisconnect, 43784},
		"NBD_SET_FLAGS":      {reqSetFlags, 43786},
		"BLKROSET":           {reqBlkROSet, 4701},
	}
	for name, c := range cases {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", name, c.got, c.want)
		}
	}
}

func TestWriteReplyEncodesHeaderAndPayload(t *testing.T) {
	a, b, err := socketpairForTest()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(a)
	defer unix.Close(b)

	d := &Device{ourSock: a}
	ctx := &wire.IOContext{Data: []byte("hello"), Native: uint64(0xdeadbeef)}
	d.writeReply(ctx, 0)

	buf := make([]byte, replyHeaderSize+len(ctx.Data))
	if _, err := readFull(b, buf); err != nil {
		t.Fatalf("readFull: %v", err)
	}

	if got := binary.BigEndian.Uint32(buf[0:4]); got != replyMagic {
		t.Errorf("magic = %#x, want %#x", got, replyMagic)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != 0 {
		t.Errorf("error = %d, want 0", got)
	}
	if got := binary.BigEndian.Uint64(buf[8:16]); got != 0xdeadbeef {
		t.Errorf("handle = %#x, want 0xdeadbeef", got)
	}
	if string(buf[replyHeaderSize:]) != "hello" {
		t.Errorf("payload = %q, want %q", buf[replyHeaderSize:], "hello")
	}
}

func TestWriteReplyOmitsPayloadOnError(t *testing.T) {
	a, b, err := socketpairForTest()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(a)
	defer unix.Close(b)

	d := &Device{ourSock: a}
	ctx := &wire.IOContext{Data: []byte("hello"), Native: uint64(1)}
	d.writeReply(ctx, unix.EIO)

	buf := make([]byte, replyHeaderSize)
	if _, err := readFull(b, buf); err != nil {
		t.Fatalf("readFull: %v", err)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != uint32(unix.EIO) {
		t.Errorf("error = %d, want %d", got, uint32(unix.EIO))
	}
}

func TestCompleteDispatchesSyncFlush(t *testing.T) {
	d := &Device{}
	sf := &syncFlush{done: make(chan unix.Errno, 1)}
	d.Complete(sf, unix.ENOSPC)
	select {
	case errno := <-sf.done:
		if errno != unix.ENOSPC {
			t.Errorf("errno = %v, want ENOSPC", errno)
		}
	default:
		t.Fatal("Complete did not signal syncFlush.done")
	}
}

func socketpairForTest() (int, int, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, 0, err
	}
	return pair[0], pair[1], nil
}
