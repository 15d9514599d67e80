// Package ioctlnum computes Linux ioctl request numbers from their
// constituent (type, number) pair, the same encoding
// /usr/include/asm-generic/ioctl.h's _IO macro uses, needed because
// golang.org/x/sys/unix only pre-defines request numbers for ioctls it
// already knows about and NBD's are not among them.
package ioctlnum

const (
	dirNone  = 0
	numBits  = 8
	typeBits = 8
	sizeBits = 14

	numShift  = 0
	typeShift = numShift + numBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits
)

// IO builds a direction-less ioctl request number from a type
// character and a sequence number, matching the kernel's _IO(type, nr).
func IO(t, nr uintptr) uintptr {
	return (dirNone << dirShift) | (t << typeShift) | (nr << numShift)
}
