package backend

import (
	"bytes"
	"testing"

	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(4096)
	defer mem.Close()

	want := []byte("sector zero")
	n, err := mem.WriteAt(want, 512)
	if err != nil || n != len(want) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}

	got := make([]byte, len(want))
	if n, err := mem.ReadAt(got, 512); err != nil || n != len(want) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadAt got %q, want %q", got, want)
	}
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	buf := make([]byte, 50)
	n, err := mem.ReadAt(buf, 80)
	if err != nil || n != 20 {
		t.Errorf("ReadAt across end = %d, %v; want 20, nil", n, err)
	}
	if n, _ := mem.ReadAt(buf, 200); n != 0 {
		t.Errorf("ReadAt past end = %d, want 0", n)
	}

	if n, err := mem.WriteAt([]byte("test"), 98); !kerr.IsCode(err, kerr.CodeInvalidParameters) || n != 2 {
		t.Errorf("short write = %d, %v", n, err)
	}
	if _, err := mem.WriteAt([]byte("test"), 101); err == nil {
		t.Error("WriteAt beyond end should fail")
	}
}

func TestMemoryClosed(t *testing.T) {
	mem := NewMemory(512)
	mem.Close()
	if _, err := mem.ReadAt(make([]byte, 1), 0); !kerr.IsCode(err, kerr.CodeDeviceOffline) {
		t.Errorf("read after close: %v", err)
	}
}

func TestMemoryDiscard(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	data := []byte("Hello, World!")
	mem.WriteAt(data, 0)
	if err := mem.Discard(0, 5); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}

	got := make([]byte, len(data))
	mem.ReadAt(got, 0)
	if !bytes.Equal(got[:5], make([]byte, 5)) {
		t.Errorf("discarded bytes = %q", got[:5])
	}
	if !bytes.Equal(got[5:], data[5:]) {
		t.Errorf("kept bytes = %q, want %q", got[5:], data[5:])
	}
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	mem.ReadAt(make([]byte, 8), 0)
	mem.WriteAt(make([]byte, 8), 0)
	mem.Flush()

	stats := mem.Stats()
	for key, want := range map[string]any{
		"type":    "memory",
		"size":    int64(1024),
		"reads":   uint64(1),
		"writes":  uint64(1),
		"flushes": uint64(1),
	} {
		if stats[key] != want {
			t.Errorf("Stats[%q] = %v, want %v", key, stats[key], want)
		}
	}
}

func BenchmarkMemoryPageIO(b *testing.B) {
	mem := NewMemory(16 << 20)
	defer mem.Close()
	page := make([]byte, 4096)

	b.SetBytes(int64(len(page)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off := int64(i*4096) % (16<<20 - 4096)
		if i%2 == 0 {
			mem.WriteAt(page, off)
		} else {
			mem.ReadAt(page, off)
		}
	}
}
