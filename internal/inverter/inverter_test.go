package inverter

import (
	"context"
	"testing"
	"time"

	"github.com/gobdus/bdus/internal/wire"
	"golang.org/x/sys/unix"
)

type completion struct {
	ref   any
	errno unix.Errno
}

func newTestInverter(t *testing.T, capacity uint32, supportsFlush bool) (*Inverter, *[]completion) {
	t.Helper()
	var completions []completion
	inv := New(capacity, supportsFlush, func(ref any, errno unix.Errno) {
		completions = append(completions, completion{ref, errno})
	})
	return inv, &completions
}

func TestSubmitBeginGetCommitComplete(t *testing.T) {
	inv, completions := newTestInverter(t, 4, false)

	h, err := inv.Submit(wire.ItemRead, true, 0, 4096, "req-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.Index == 0 {
		t.Fatal("expected non-zero handle index")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := inv.BeginGet(ctx)
	if err != nil {
		t.Fatalf("BeginGet: %v", err)
	}
	if item.Pseudo || item.Type != wire.ItemRead || item.Handle != h {
		t.Fatalf("unexpected item: %+v", item)
	}

	inv.CommitGet(item)

	got, err := inv.BeginComplete(h)
	if err != nil {
		t.Fatalf("BeginComplete: %v", err)
	}
	if got != h {
		t.Fatalf("BeginComplete handle mismatch: got %+v want %+v", got, h)
	}

	inv.CommitComplete(h, 0)

	if len(*completions) != 1 || (*completions)[0].ref != "req-1" || (*completions)[0].errno != 0 {
		t.Fatalf("unexpected completions: %+v", *completions)
	}

	counts := inv.Counts()
	if counts[StateFree] != 4 {
		t.Fatalf("expected all slots free, got %+v", counts)
	}
}

func TestSubmitTerminatedFailsImmediately(t *testing.T) {
	inv, completions := newTestInverter(t, 2, false)
	inv.Terminate()

	_, err := inv.Submit(wire.ItemWrite, true, 0, 0, "req")
	if err != unix.EIO {
		t.Fatalf("got err %v, want EIO", err)
	}
	if len(*completions) != 1 || (*completions)[0].errno != unix.EIO {
		t.Fatalf("unexpected completions: %+v", *completions)
	}
}

func TestSubmitUnsupportedType(t *testing.T) {
	inv, completions := newTestInverter(t, 2, false)

	_, err := inv.Submit(wire.ItemDiscard, false, 0, 0, "req")
	if err != unix.EOPNOTSUPP {
		t.Fatalf("got err %v, want EOPNOTSUPP", err)
	}
	if len(*completions) != 1 || (*completions)[0].errno != unix.EOPNOTSUPP {
		t.Fatalf("unexpected completions: %+v", *completions)
	}
}

func TestSubmitUnsupportedIOCTLUsesENOTTY(t *testing.T) {
	inv, completions := newTestInverter(t, 2, false)

	_, _ = inv.Submit(wire.ItemIOCTL, false, 0, 0x1234, "req")
	if (*completions)[0].errno != unix.ENOTTY {
		t.Fatalf("got %v, want ENOTTY", (*completions)[0].errno)
	}
}

func TestTerminateCancelsInFlightSlots(t *testing.T) {
	inv, completions := newTestInverter(t, 2, false)

	h, _ := inv.Submit(wire.ItemRead, true, 0, 0, "awaiting-completion")
	h2, _ := inv.Submit(wire.ItemRead, true, 0, 0, "awaiting-get")
	item, _ := inv.BeginGet(context.Background())
	inv.CommitGet(item) // first -> awaiting completion; second stays awaiting get in queue

	_ = h2

	inv.Terminate()

	foundEIO := false
	for _, c := range *completions {
		if c.ref == "awaiting-completion" && c.errno == unix.EIO {
			foundEIO = true
		}
	}
	if !foundEIO {
		t.Fatalf("expected awaiting-completion slot cancelled with EIO: %+v", *completions)
	}

	// Subsequent begin_get calls return a perpetual TERMINATE.
	item2, err := inv.BeginGet(context.Background())
	if err != nil || !item2.Pseudo || item2.Type != wire.ItemTerminate {
		t.Fatalf("got %+v, %v, want perpetual TERMINATE", item2, err)
	}

	_ = h
}

func TestTimeoutBeingGottenResetsTimer(t *testing.T) {
	inv, _ := newTestInverter(t, 2, false)
	h, _ := inv.Submit(wire.ItemRead, true, 0, 0, "req")
	_, _ = inv.BeginGet(context.Background()) // now BEING_GOTTEN

	if res := inv.Timeout(h); res != TimeoutResetTimer {
		t.Fatalf("got %v, want TimeoutResetTimer", res)
	}
}

func TestTimeoutAwaitingGetFreesWithETIMEDOUT(t *testing.T) {
	inv, completions := newTestInverter(t, 2, false)
	h, _ := inv.Submit(wire.ItemRead, true, 0, 0, "req")

	if res := inv.Timeout(h); res != TimeoutDone {
		t.Fatalf("got %v, want TimeoutDone", res)
	}
	if len(*completions) != 1 || (*completions)[0].errno != unix.ETIMEDOUT {
		t.Fatalf("unexpected completions: %+v", *completions)
	}

	// Stale handle after timeout: seqnum has advanced.
	if res := inv.Timeout(h); res != TimeoutDone {
		t.Fatalf("stale timeout should report Done, got %v", res)
	}
}

func TestBeginCompleteStaleSeqnumIsSilentlyDropped(t *testing.T) {
	inv, _ := newTestInverter(t, 2, false)
	h, _ := inv.Submit(wire.ItemRead, true, 0, 0, "req")
	item, _ := inv.BeginGet(context.Background())
	inv.CommitGet(item)
	inv.Timeout(h) // frees the slot, bumps seqnum

	got, err := inv.BeginComplete(h)
	if err != nil {
		t.Fatalf("expected silent drop (nil error), got %v", err)
	}
	if got != (Handle{}) {
		t.Fatalf("expected zero handle on stale seqnum, got %+v", got)
	}
}

func TestDeactivateArmsFlushBeforeTerminate(t *testing.T) {
	inv, _ := newTestInverter(t, 2, true)
	inv.Deactivate(true)

	item, err := inv.BeginGet(context.Background())
	if err != nil || !item.Pseudo || item.Type != wire.ItemFlushAndTerminate {
		t.Fatalf("got %+v, %v, want FLUSH_AND_TERMINATE", item, err)
	}

	item2, err := inv.BeginGet(context.Background())
	if err != nil || !item2.Pseudo || item2.Type != wire.ItemTerminate {
		t.Fatalf("got %+v, %v, want TERMINATE", item2, err)
	}
}

func TestDeactivateWithoutFlushSkipsFlushItem(t *testing.T) {
	inv, _ := newTestInverter(t, 2, true)
	inv.Deactivate(false)

	item, err := inv.BeginGet(context.Background())
	if err != nil || !item.Pseudo || item.Type != wire.ItemTerminate {
		t.Fatalf("got %+v, %v, want TERMINATE", item, err)
	}
}

func TestActivateRearmsDeviceAvailableAndRequeuesInFlight(t *testing.T) {
	inv, _ := newTestInverter(t, 2, true)

	h, _ := inv.Submit(wire.ItemRead, true, 0, 0, "req")
	item, _ := inv.BeginGet(context.Background())
	inv.CommitGet(item) // AWAITING_COMPLETION

	inv.Deactivate(false)
	// drain the TERMINATE the old client would see
	_, _ = inv.BeginGet(context.Background())

	inv.Activate()

	got, err := inv.BeginGet(context.Background())
	if err != nil || !got.Pseudo || got.Type != wire.ItemDeviceAvailable {
		t.Fatalf("got %+v, %v, want DEVICE_AVAILABLE first", got, err)
	}

	got2, err := inv.BeginGet(context.Background())
	if err != nil || got2.Pseudo || got2.Handle != h {
		t.Fatalf("got %+v, %v, want re-handled slot %+v", got2, err, h)
	}
}

func TestAbortGetReturnsSlotUnchanged(t *testing.T) {
	inv, _ := newTestInverter(t, 2, false)
	h, _ := inv.Submit(wire.ItemRead, true, 0, 0, "req")
	item, _ := inv.BeginGet(context.Background())

	inv.AbortGet(item)

	item2, err := inv.BeginGet(context.Background())
	if err != nil || item2.Handle != h || item2.Handle.Seqnum != h.Seqnum {
		t.Fatalf("got %+v, %v, want same slot and seqnum", item2, err)
	}
}

func TestInvariantCountsSumToCapacity(t *testing.T) {
	const capacity = 8
	inv, _ := newTestInverter(t, capacity, false)

	for i := 0; i < 3; i++ {
		inv.Submit(wire.ItemRead, true, 0, 0, i)
	}

	counts := inv.Counts()
	sum := 0
	for _, n := range counts {
		sum += n
	}
	if sum != capacity {
		t.Fatalf("counts sum to %d, want %d: %+v", sum, capacity, counts)
	}
}
