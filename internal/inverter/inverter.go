package inverter

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

// CompletionFunc completes the kernel block request referenced by
// ReqRef with the given (already sanitised) errno. The inverter never
// interprets ReqRef; it is opaque, owned by the device/block layer.
type CompletionFunc func(reqRef any, errno unix.Errno)

// Item is a read-only view handed to the consumer by BeginGet. Real
// items carry a handle into the slot table; pseudo-items do not.
type Item struct {
	Pseudo bool
	Type   wire.ItemType
	Handle Handle
	Arg64  uint64
	Arg32  uint32
}

// Inverter is the per-device request registry and state machine of
// §4.1. The zero value is not usable; construct with New.
type Inverter struct {
	mu sync.Mutex

	slots   []RequestSlot
	free    []uint16 // stack of 1-based indices
	ready   *list.List
	readyEl []*list.Element // per slot (0-based), nil if not queued

	doorbell chan struct{}

	terminated bool
	deactivated bool
	flushArmed  bool
	deviceAvail bool

	supportsFlush bool
	complete      CompletionFunc
}

// New constructs an Inverter with capacity slots, all initially FREE.
// supportsFlush controls whether Deactivate(flush=true) can arm the
// flush-and-terminate pseudo-item (§4.1). complete is invoked whenever
// a slot is forced back to FREE and must complete its originating
// kernel request.
func New(capacity uint32, supportsFlush bool, complete CompletionFunc) *Inverter {
	if capacity == 0 {
		panic("inverter: capacity must be positive")
	}
	inv := &Inverter{
		slots:         make([]RequestSlot, capacity),
		free:          make([]uint16, 0, capacity),
		ready:         list.New(),
		readyEl:       make([]*list.Element, capacity),
		doorbell:      make(chan struct{}, 1),
		supportsFlush: supportsFlush,
		complete:      complete,
	}
	for i := range inv.slots {
		inv.slots[i].Index = uint16(i + 1)
		inv.slots[i].State = StateFree
		inv.free = append(inv.free, inv.slots[i].Index)
	}
	return inv
}

func (inv *Inverter) slotAt(index uint16) *RequestSlot {
	return &inv.slots[index-1]
}

func (inv *Inverter) wake() {
	select {
	case inv.doorbell <- struct{}{}:
	default:
	}
}

// Submit is the producer-path entry point (§4.1 submit). derivedType
// is the item type the device layer has already mapped the kernel
// request to; supported reports whether the device's configuration
// allows that type. arg64/arg32 carry the offset/size (or ioctl
// command) per §6.4. On success it returns the handle to store in the
// request's private data so later Timeout calls can find the slot.
func (inv *Inverter) Submit(derivedType wire.ItemType, supported bool, arg64 uint64, arg32 uint32, reqRef any) (Handle, error) {
	inv.mu.Lock()

	if inv.terminated {
		inv.mu.Unlock()
		errno := terminationRaceErrno(derivedType)
		inv.complete(reqRef, errno)
		return Handle{}, unix.EIO
	}

	if !supported {
		inv.mu.Unlock()
		errno := unsupportedErrno(derivedType)
		inv.complete(reqRef, errno)
		return Handle{}, unix.EOPNOTSUPP
	}

	if len(inv.free) == 0 {
		inv.mu.Unlock()
		// The caller's tag set is sized to max_outstanding_reqs, so
		// this should never happen; treat as a logic bug (§8
		// boundary behaviour: "if violated, treat as a logic bug").
		panic("inverter: submit with empty free-list")
	}

	index := inv.free[len(inv.free)-1]
	inv.free = inv.free[:len(inv.free)-1]

	slot := inv.slotAt(index)
	slot.Type = derivedType
	slot.Arg64 = arg64
	slot.Arg32 = arg32
	slot.ReqRef = reqRef
	slot.State = StateAwaitingGet

	el := inv.ready.PushBack(index)
	inv.readyEl[index-1] = el

	h := slot.Handle()
	inv.mu.Unlock()
	inv.wake()
	return h, nil
}

// TimeoutResult is the outcome of Timeout.
type TimeoutResult uint8

const (
	TimeoutDone TimeoutResult = iota
	TimeoutResetTimer
)

// Timeout is the producer-path entry point for the block layer's
// timeout callback (§4.1 timeout).
func (inv *Inverter) Timeout(h Handle) TimeoutResult {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if h.Index == 0 || int(h.Index) > len(inv.slots) {
		return TimeoutDone
	}
	slot := inv.slotAt(h.Index)
	if slot.Seqnum != h.Seqnum {
		return TimeoutDone
	}

	switch slot.State {
	case StateBeingGotten, StateBeingCompleted:
		return TimeoutResetTimer
	case StateAwaitingGet:
		inv.removeReady(h.Index)
	}

	inv.freeSlot(slot, unix.ETIMEDOUT)
	return TimeoutDone
}

func (inv *Inverter) removeReady(index uint16) {
	if el := inv.readyEl[index-1]; el != nil {
		inv.ready.Remove(el)
		inv.readyEl[index-1] = nil
	}
}

// freeSlot forces slot to FREE, completing its kernel request with
// errno and bumping the seqnum, under inv.mu.
func (inv *Inverter) freeSlot(slot *RequestSlot, errno unix.Errno) {
	ref := slot.ReqRef
	slot.ReqRef = nil
	slot.State = StateFree
	slot.Seqnum++
	inv.free = append(inv.free, slot.Index)
	if inv.complete != nil {
		inv.complete(ref, errno)
	}
}

// SubmitDeviceAvailable arms the one-shot DEVICE_AVAILABLE pseudo-item
// (§4.2's UNAVAILABLE→ACTIVE and INACTIVE→ACTIVE transitions).
func (inv *Inverter) SubmitDeviceAvailable() {
	inv.mu.Lock()
	inv.deviceAvail = true
	inv.mu.Unlock()
	inv.wake()
}

// Deactivate moves the inverter into the per-session "deactivated"
// state: no real items are surfaced to begin_get until Activate. If
// flush is true and the device supports flush, a single
// FLUSH_AND_TERMINATE pseudo-item is armed to precede the TERMINATE
// stream (§4.1).
func (inv *Inverter) Deactivate(flush bool) {
	inv.mu.Lock()
	inv.deactivated = true
	if flush && inv.supportsFlush {
		inv.flushArmed = true
	}
	inv.mu.Unlock()
	inv.wake()
}

// Activate clears the deactivated state, moves every
// AWAITING_COMPLETION slot back to AWAITING_GET (so a new worker
// re-handles in-flight requests), and re-arms DEVICE_AVAILABLE.
func (inv *Inverter) Activate() {
	inv.mu.Lock()
	inv.deactivated = false
	inv.flushArmed = false
	for i := range inv.slots {
		slot := &inv.slots[i]
		if slot.State == StateAwaitingCompletion {
			slot.State = StateAwaitingGet
			el := inv.ready.PushBack(slot.Index)
			inv.readyEl[slot.Index-1] = el
		}
	}
	inv.deviceAvail = true
	inv.mu.Unlock()
	inv.wake()
}

// Terminate is idempotent: it marks the inverter permanently
// terminated and cancels every AWAITING_GET and AWAITING_COMPLETION
// slot with EIO.
func (inv *Inverter) Terminate() {
	inv.mu.Lock()
	if inv.terminated {
		inv.mu.Unlock()
		return
	}
	inv.terminated = true
	for i := range inv.slots {
		slot := &inv.slots[i]
		switch slot.State {
		case StateAwaitingGet:
			inv.removeReady(slot.Index)
			inv.freeSlot(slot, unix.EIO)
		case StateAwaitingCompletion:
			inv.freeSlot(slot, unix.EIO)
		}
	}
	inv.mu.Unlock()
	inv.wake()
}

// BeginGet is the consumer-path blocking read (§4.1 begin_get). It
// blocks until termination, deactivation, a pending DEVICE_AVAILABLE,
// or a ready slot is available, or ctx is done.
func (inv *Inverter) BeginGet(ctx context.Context) (Item, error) {
	for {
		inv.mu.Lock()

		if inv.terminated {
			inv.mu.Unlock()
			return Item{Pseudo: true, Type: wire.ItemTerminate}, nil
		}

		if inv.deactivated {
			if inv.flushArmed {
				inv.flushArmed = false
				inv.mu.Unlock()
				return Item{Pseudo: true, Type: wire.ItemFlushAndTerminate}, nil
			}
			inv.mu.Unlock()
			return Item{Pseudo: true, Type: wire.ItemTerminate}, nil
		}

		if inv.deviceAvail {
			inv.deviceAvail = false
			inv.mu.Unlock()
			return Item{Pseudo: true, Type: wire.ItemDeviceAvailable}, nil
		}

		if index, ok := inv.popReady(); ok {
			slot := inv.slotAt(index)
			slot.State = StateBeingGotten
			item := Item{Type: slot.Type, Handle: slot.Handle(), Arg64: slot.Arg64, Arg32: slot.Arg32}
			inv.mu.Unlock()
			return item, nil
		}

		inv.mu.Unlock()

		select {
		case <-inv.doorbell:
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

func (inv *Inverter) popReady() (uint16, bool) {
	el := inv.ready.Front()
	if el == nil {
		return 0, false
	}
	inv.ready.Remove(el)
	index := el.Value.(uint16)
	inv.readyEl[index-1] = nil
	return index, true
}

// CommitGet is the consumer-path completion of a successful transport
// to user space (§4.1 commit_get).
func (inv *Inverter) CommitGet(item Item) {
	if item.Pseudo {
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	slot := inv.slotAt(item.Handle.Index)
	if slot.Seqnum != item.Handle.Seqnum || slot.State != StateBeingGotten {
		return
	}
	if inv.terminated {
		inv.freeSlot(slot, terminationRaceErrno(slot.Type))
		return
	}
	slot.State = StateAwaitingCompletion
}

// AbortGet is the consumer-path rollback when the item could not be
// transported to user space (§4.1 abort_get).
func (inv *Inverter) AbortGet(item Item) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if item.Pseudo {
		switch item.Type {
		case wire.ItemDeviceAvailable:
			inv.deviceAvail = true
		case wire.ItemFlushAndTerminate:
			inv.flushArmed = true
		case wire.ItemTerminate:
			// no-op
		}
		inv.wakeLocked()
		return
	}

	slot := inv.slotAt(item.Handle.Index)
	if slot.Seqnum != item.Handle.Seqnum || slot.State != StateBeingGotten {
		return
	}
	slot.State = StateAwaitingGet
	el := inv.ready.PushFront(slot.Index)
	inv.readyEl[slot.Index-1] = el
	inv.wakeLocked()
}

func (inv *Inverter) wakeLocked() {
	select {
	case inv.doorbell <- struct{}{}:
	default:
	}
}

// BeginComplete is the consumer-path reservation of a slot for
// completion (§4.1 begin_complete). A zero Handle with a nil error means
// the reply referenced a stale handle and must be silently dropped.
func (inv *Inverter) BeginComplete(h Handle) (Handle, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if h.Index == 0 || int(h.Index) > len(inv.slots) {
		return Handle{}, fmt.Errorf("inverter: invalid handle index %d: %w", h.Index, unix.EINVAL)
	}
	slot := inv.slotAt(h.Index)
	if slot.Seqnum != h.Seqnum {
		return Handle{}, nil // stale: silently dropped
	}
	if slot.State != StateAwaitingCompletion {
		return Handle{}, fmt.Errorf("inverter: slot %d in state %s, want AWAITING_COMPLETION: %w", h.Index, slot.State, unix.EINVAL)
	}
	slot.State = StateBeingCompleted
	return h, nil
}

// CommitComplete transitions the slot to FREE and completes its
// kernel request with the sanitised status derived from errno
// (§4.1 commit_complete). errno is the raw value reported by the
// client; it is sanitised against the allow-list matching the slot's
// item type before being handed to the completion callback.
func (inv *Inverter) CommitComplete(h Handle, errno unix.Errno) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	slot := inv.slotAt(h.Index)
	if slot.Seqnum != h.Seqnum || slot.State != StateBeingCompleted {
		return
	}
	if inv.terminated {
		inv.freeSlot(slot, terminationRaceErrno(slot.Type))
		return
	}
	inv.freeSlot(slot, sanitize(slot.Type, errno))
}

// AbortComplete transitions a BEING_COMPLETED slot back to
// AWAITING_COMPLETION (§4.1 abort_complete).
func (inv *Inverter) AbortComplete(h Handle) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	slot := inv.slotAt(h.Index)
	if slot.Seqnum != h.Seqnum || slot.State != StateBeingCompleted {
		return
	}
	slot.State = StateAwaitingCompletion
}

// Counts returns the number of slots in each state, for tests and
// metrics asserting the §8 invariant that counts always sum to the
// slot table's capacity.
func (inv *Inverter) Counts() map[SlotState]int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := map[SlotState]int{}
	for i := range inv.slots {
		out[inv.slots[i].State]++
	}
	return out
}

// Capacity returns max_outstanding_reqs for this inverter.
func (inv *Inverter) Capacity() int {
	return len(inv.slots)
}

// ReqRef returns the opaque reqRef stashed by Submit for a handle still
// live in the slot table, so a driver loop retrieving an Item via
// BeginGet can recover the buffer/context its Submit call attached,
// without the inverter itself needing to understand it. Returns nil for
// a stale or pseudo handle.
func (inv *Inverter) ReqRef(h Handle) any {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if h.Index == 0 || int(h.Index) > len(inv.slots) {
		return nil
	}
	slot := inv.slotAt(h.Index)
	if slot.Seqnum != h.Seqnum {
		return nil
	}
	return slot.ReqRef
}
