package wire

import (
	"github.com/gobdus/bdus/internal/constants"
)

// DeviceConfig is the device configuration record of §3, following the
// teacher's split between a user-facing params struct and validated,
// adjusted internal fields (ctrl.DeviceParams / ublk.DeviceParams).
type DeviceConfig struct {
	ID uint64

	Size int64

	LogicalBlockSize  uint32
	PhysicalBlockSize uint32

	MaxReadWriteSize      uint32
	MaxWriteSameSize      uint32
	MaxWriteZerosSize     uint32
	MaxDiscardEraseSize   uint32
	MaxOutstandingReqs    uint32

	SupportsRead             bool
	SupportsWrite            bool
	SupportsFlush            bool
	SupportsFUAWrite         bool
	SupportsWriteSame        bool
	SupportsWriteZerosNoUnmap  bool
	SupportsWriteZerosMayUnmap bool
	SupportsDiscard          bool
	SupportsSecureErase      bool
	SupportsIOCTL            bool

	Recoverable bool
}

// DefaultDeviceConfig returns a config with the implementation's
// default sizing, leaving caller-significant fields (Size, the
// supports_* flags, ID) zeroed for the caller to fill in, mirroring
// the teacher's DefaultParams(backend).
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		LogicalBlockSize:   constants.DefaultLogicalBlockSize,
		MaxOutstandingReqs: constants.DefaultMaxOutstandingReqs,
	}
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

func roundDown(v, mult uint32) uint32 {
	if mult == 0 {
		return v
	}
	return (v / mult) * mult
}

// Validate checks the raw, caller-supplied config against §3's
// constraint table, returning EINVAL-class errors (see errors.go at
// the module root) as soon as a field is unacceptable, before any
// allocation — matching §7's "Validation" error kind.
func (c *DeviceConfig) Validate() error {
	blockUnit := c.LogicalBlockSize
	if c.PhysicalBlockSize > blockUnit {
		blockUnit = c.PhysicalBlockSize
	}
	if blockUnit == 0 {
		blockUnit = constants.DefaultLogicalBlockSize
	}

	if c.Size <= 0 || int64(c.Size)%int64(blockUnit) != 0 {
		return errConfig("size must be a positive multiple of max(physical_block_size, logical_block_size)")
	}

	if !isPowerOfTwo(c.LogicalBlockSize) ||
		c.LogicalBlockSize < constants.MinLogicalBlockSize ||
		c.LogicalBlockSize > constants.PageSize {
		return errConfig("logical_block_size must be a power of two in [512, page size]")
	}

	if c.PhysicalBlockSize != 0 {
		if !isPowerOfTwo(c.PhysicalBlockSize) ||
			c.PhysicalBlockSize < c.LogicalBlockSize ||
			c.PhysicalBlockSize > constants.PageSize {
			return errConfig("physical_block_size must be 0 or a power of two in [logical, page size]")
		}
	}

	if c.MaxReadWriteSize != 0 && c.MaxReadWriteSize < constants.PageSize {
		return errConfig("max_read_write_size must be 0 or >= page size")
	}

	if c.MaxWriteSameSize != 0 && c.MaxWriteSameSize < c.LogicalBlockSize {
		return errConfig("max_write_same_size must be 0 or >= logical_block_size")
	}

	if c.MaxWriteZerosSize != 0 && c.MaxWriteZerosSize < c.LogicalBlockSize {
		return errConfig("max_write_zeros_size must be 0 or >= logical_block_size")
	}

	if c.MaxDiscardEraseSize != 0 && c.MaxDiscardEraseSize < c.LogicalBlockSize {
		return errConfig("max_discard_erase_size must be 0 or >= logical_block_size")
	}

	if c.MaxOutstandingReqs == 0 || c.MaxOutstandingReqs > constants.MaxOutstandingReqsCap {
		return errConfig("max_outstanding_reqs must be positive and at most the implementation ceiling")
	}

	if c.SupportsFUAWrite && !c.SupportsFlush {
		return errConfig("supports_fua_write requires supports_flush")
	}

	return nil
}

// Adjusted returns a copy of c with the size-family fields rounded
// down to a multiple of the logical block size, and physical block
// size defaulted to logical when left zero, matching §3's "zeroing
// means disabled or implementation-chosen default" rule. Validate
// must be called (and succeed) before Adjusted.
func (c DeviceConfig) Adjusted() DeviceConfig {
	out := c
	if out.PhysicalBlockSize == 0 {
		out.PhysicalBlockSize = out.LogicalBlockSize
	}
	out.MaxReadWriteSize = roundDown(out.MaxReadWriteSize, out.LogicalBlockSize)
	out.MaxWriteSameSize = roundDown(out.MaxWriteSameSize, out.LogicalBlockSize)
	out.MaxWriteZerosSize = roundDown(out.MaxWriteZerosSize, out.LogicalBlockSize)
	out.MaxDiscardEraseSize = roundDown(out.MaxDiscardEraseSize, out.LogicalBlockSize)
	return out
}

// ReadOnly reports whether every write-family supports_* flag is
// false, per §4.2's read-only detection rule.
func (c *DeviceConfig) ReadOnly() bool {
	return !c.SupportsWrite && !c.SupportsFUAWrite && !c.SupportsWriteSame &&
		!c.SupportsWriteZerosNoUnmap && !c.SupportsWriteZerosMayUnmap &&
		!c.SupportsDiscard && !c.SupportsSecureErase
}

// Supports reports whether the device supports the given item type,
// used by §4.2's submit-time rejection of unsupported request types.
func (c *DeviceConfig) Supports(t ItemType) bool {
	switch t {
	case ItemRead:
		return c.SupportsRead
	case ItemWrite:
		return c.SupportsWrite
	case ItemFUAWrite:
		return c.SupportsFUAWrite
	case ItemWriteSame:
		return c.SupportsWriteSame
	case ItemWriteZerosNoUnmap:
		return c.SupportsWriteZerosNoUnmap
	case ItemWriteZerosMayUnmap:
		return c.SupportsWriteZerosMayUnmap
	case ItemFlush:
		return c.SupportsFlush
	case ItemDiscard:
		return c.SupportsDiscard
	case ItemSecureErase:
		return c.SupportsSecureErase
	case ItemIOCTL:
		return c.SupportsIOCTL
	case ItemDeviceAvailable, ItemTerminate, ItemFlushAndTerminate:
		return true
	default:
		return false
	}
}

type configError string

func (e configError) Error() string { return string(e) }

func errConfig(msg string) error { return configError(msg) }
