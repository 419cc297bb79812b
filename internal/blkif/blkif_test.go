package blkif

import (
	"testing"
)

// Wire sizes are fixed by the ring ABI
func TestSizes(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		expected int
	}{
		{"request", RequestSize, 104},
		{"response", ResponseSize, 16},
		{"slot", SlotSize, 112},
		{"ring", int(RingSize), 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.size != tt.expected {
				t.Errorf("%s size = %d, want %d", tt.name, tt.size, tt.expected)
			}
		})
	}
}

func TestRequestLayout(t *testing.T) {
	req := &Request{
		Op:         OpWrite,
		NrSegments: 2,
		Handle:     768,
		ID:         0x1234,
		Sector:     0x0102030405060708,
	}
	req.Segments[0] = Segment{Gref: 9, FirstSect: 1, LastSect: 7}
	req.Segments[1] = Segment{Gref: 10, FirstSect: 0, LastSect: 3}

	slot := make([]byte, SlotSize)
	if err := PutRequest(slot, req); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}

	if slot[0] != byte(OpWrite) || slot[1] != 2 {
		t.Errorf("header = % x", slot[:2])
	}
	if slot[4] != 0x34 || slot[5] != 0x12 {
		t.Errorf("id bytes = % x, want little endian", slot[4:6])
	}
	if slot[8] != 0x08 || slot[15] != 0x01 {
		t.Errorf("sector bytes = % x", slot[8:16])
	}
	// Second segment starts at 16 + 8.
	if slot[24] != 10 || slot[28] != 0 || slot[29] != 3 {
		t.Errorf("segment 1 bytes = % x", slot[24:32])
	}

	var got Request
	if err := GetRequest(slot, &got); err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got != *req {
		t.Errorf("decoded %+v, want %+v", got, *req)
	}
	if got.Segments[0].Sectors() != 7 {
		t.Errorf("Sectors() = %d, want 7", got.Segments[0].Sectors())
	}
}

func TestDiscardLayout(t *testing.T) {
	slot := make([]byte, SlotSize)
	for i := range slot {
		slot[i] = 0xff
	}
	req := &Request{Op: OpDiscard, ID: 3, Sector: 2048, NrSectors: 4096}
	if err := PutRequest(slot, req); err != nil {
		t.Fatalf("PutRequest: %v", err)
	}
	if slot[16] != 0x00 || slot[17] != 0x10 {
		t.Errorf("nr_sectors bytes = % x", slot[16:24])
	}
	if slot[24] != 0 {
		t.Errorf("segment area not cleared: % x", slot[24:32])
	}

	var got Request
	got.NrSegments = 4
	if err := GetRequest(slot, &got); err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got != *req {
		t.Errorf("decoded %+v, want %+v", got, *req)
	}
}

func TestResponseStatusSign(t *testing.T) {
	slot := make([]byte, SlotSize)
	if err := PutResponse(slot, &Response{ID: 31, Op: OpRead, Status: StatusError}); err != nil {
		t.Fatal(err)
	}
	var rsp Response
	if err := GetResponse(slot, &rsp); err != nil {
		t.Fatal(err)
	}
	if rsp.ID != 31 || rsp.Op != OpRead || rsp.Status != StatusError {
		t.Errorf("decoded %+v", rsp)
	}
}

func TestDecodeErrors(t *testing.T) {
	var req Request
	if err := GetRequest(make([]byte, 10), &req); err != ErrInsufficientData {
		t.Errorf("short request: %v", err)
	}
	slot := make([]byte, SlotSize)
	slot[1] = MaxSegments + 1
	if err := GetRequest(slot, &req); err != ErrTooManySegments {
		t.Errorf("segment overflow: %v", err)
	}
	var rsp Response
	if err := GetResponse(slot[:4], &rsp); err != ErrInsufficientData {
		t.Errorf("short response: %v", err)
	}
}

func TestOpString(t *testing.T) {
	for op, want := range map[Op]string{OpRead: "read", OpWrite: "write", OpFlush: "flush", OpDiscard: "discard", 9: "unknown"} {
		if op.String() != want {
			t.Errorf("Op(%d).String() = %q, want %q", op, op.String(), want)
		}
	}
}
