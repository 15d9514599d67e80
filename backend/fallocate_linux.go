package backend

import (
	"os"

	"golang.org/x/sys/unix"
)

// punchHole deallocates [offset, offset+length) in file, falling back
// to writing zeroes if the underlying filesystem rejects
// FALLOC_FL_PUNCH_HOLE (e.g. it doesn't support sparse files).
func punchHole(file *os.File, offset, length int64) error {
	mode := unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE
	if err := unix.Fallocate(int(file.Fd()), uint32(mode), offset, length); err != nil {
		return zeroFill(file, offset, length)
	}
	return nil
}

func zeroFill(file *os.File, offset, length int64) error {
	const chunk = 1 << 20
	zeros := make([]byte, chunk)
	for length > 0 {
		n := int64(chunk)
		if length < n {
			n = length
		}
		if _, err := file.WriteAt(zeros[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}
