package wire

import "testing"

func TestCellRoundTrip(t *testing.T) {
	cases := []Cell{
		{Index: 1, Seqnum: 0, Type: ItemDeviceAvailable},
		{Index: 7, Seqnum: 42, Type: ItemRead, Arg64: 4096, Arg32: 512},
		{Index: 255, Seqnum: 1 << 40, Type: ItemIOCTL, Arg32: 0x1234, Flags: FlagUsePreallocatedBuffer},
		{Index: 3, Result: -5},
	}

	for _, want := range cases {
		buf := want.Marshal()
		if len(buf) != CellSize {
			t.Fatalf("Marshal produced %d bytes, want %d", len(buf), CellSize)
		}

		var got Cell
		if err := got.Unmarshal(buf); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestCellUnmarshalShort(t *testing.T) {
	var c Cell
	if err := c.Unmarshal(make([]byte, CellSize-1)); err != ErrShortCell {
		t.Fatalf("got err %v, want ErrShortCell", err)
	}
}

func TestItemTypeClassification(t *testing.T) {
	if !ItemTerminate.IsPseudo() || ItemRead.IsPseudo() {
		t.Error("IsPseudo misclassified")
	}
	if !ItemIOCTL.IsIOCTL() || ItemWrite.IsIOCTL() {
		t.Error("IsIOCTL misclassified")
	}
	if !ItemWrite.HasRequestPayload() || ItemRead.HasRequestPayload() {
		t.Error("HasRequestPayload misclassified")
	}
	if !ItemRead.HasReplyPayload() || ItemWrite.HasReplyPayload() {
		t.Error("HasReplyPayload misclassified")
	}
}
