package inverter

import (
	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

// Sanitisation allow-lists from §4.1 commit_complete / §7. These are
// part of the external contract — user programs observe exactly these
// errnos — so the lists are kept literal and commented rather than
// derived, per the design notes' instruction to keep them visible.
//
// Non-ioctl requests: 0, ENOLINK, ENOSPC, ETIMEDOUT pass through;
// everything else becomes EIO.
//
// Ioctl requests: values in [1, 133] except ENOSYS pass through;
// everything else becomes EIO.
const ioctlErrnoCeiling = 133

func sanitizeNonIOCTL(errno unix.Errno) unix.Errno {
	switch errno {
	case 0, unix.ENOLINK, unix.ENOSPC, unix.ETIMEDOUT:
		return errno
	default:
		return unix.EIO
	}
}

func sanitizeIOCTL(errno unix.Errno) unix.Errno {
	if errno == 0 {
		return 0
	}
	if errno >= 1 && errno <= ioctlErrnoCeiling && errno != unix.ENOSYS {
		return errno
	}
	return unix.EIO
}

// sanitize applies the allow-list matching t's kind.
func sanitize(t wire.ItemType, errno unix.Errno) unix.Errno {
	if t.IsIOCTL() {
		return sanitizeIOCTL(errno)
	}
	return sanitizeNonIOCTL(errno)
}

// terminationRaceErrno is the status used when a completion races
// with termination: non-ioctl requests see EIO, ioctl requests see
// ENODEV, mirroring submit()'s own terminated-inverter rejection.
func terminationRaceErrno(t wire.ItemType) unix.Errno {
	if t.IsIOCTL() {
		return unix.ENODEV
	}
	return unix.EIO
}

// unsupportedErrno is the status used when submit() rejects a request
// type the device does not support.
func unsupportedErrno(t wire.ItemType) unix.Errno {
	if t.IsIOCTL() {
		return unix.ENOTTY
	}
	return unix.EOPNOTSUPP
}
