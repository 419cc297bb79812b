package backend

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ehrlich-b/go-pvkernel/internal/kerr"
)

func openTempImage(t *testing.T, size int64) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	f, err := OpenFile(path, size, false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func TestFileCreateAndExtend(t *testing.T) {
	f, path := openTempImage(t, 1<<20)
	if f.Size() != 1<<20 {
		t.Errorf("Size = %d", f.Size())
	}
	st, err := os.Stat(path)
	if err != nil || st.Size() != 1<<20 {
		t.Errorf("image on disk = %v, %v", st, err)
	}

	if _, err := OpenFile(filepath.Join(t.TempDir(), "odd.img"), 1000, false); !kerr.IsCode(err, kerr.CodeInvalidParameters) {
		t.Errorf("unaligned size: %v", err)
	}
}

func TestFileReadWriteFlush(t *testing.T) {
	f, path := openTempImage(t, 64<<10)

	want := bytes.Repeat([]byte("sector"), 512)
	if n, err := f.WriteAt(want, 4096); err != nil || n != len(want) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, len(want))
	if n, err := f.ReadAt(got, 4096); err != nil || n != len(want) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Error("ReadAt returned different data")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[4096:4096+len(want)], want) {
		t.Error("data not in image file")
	}
}

func TestFileBoundaries(t *testing.T) {
	f, _ := openTempImage(t, 4096)

	buf := make([]byte, 1024)
	if n, err := f.ReadAt(buf, 3584); err != nil || n != 512 {
		t.Errorf("ReadAt across end = %d, %v; want 512, nil", n, err)
	}
	if n, _ := f.ReadAt(buf, 8192); n != 0 {
		t.Errorf("ReadAt past end = %d", n)
	}
	if n, err := f.WriteAt(buf, 3584); !kerr.IsCode(err, kerr.CodeInvalidParameters) || n != 512 {
		t.Errorf("short write = %d, %v", n, err)
	}
	if _, err := f.WriteAt(buf, 4096); !kerr.IsCode(err, kerr.CodeInvalidParameters) {
		t.Errorf("write past end: %v", err)
	}
}

func TestFileDiscard(t *testing.T) {
	f, _ := openTempImage(t, 64<<10)

	data := bytes.Repeat([]byte{0xee}, 8192)
	if _, err := f.WriteAt(data, 0); err != nil {
		t.Fatal(err)
	}
	if err := f.Discard(0, 4096); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	got := make([]byte, len(data))
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:4096], make([]byte, 4096)) {
		t.Error("discarded range not zero")
	}
	if !bytes.Equal(got[4096:], data[4096:]) {
		t.Error("data after discarded range changed")
	}
	if f.Stats()["discards"] != uint64(1) {
		t.Errorf("discards = %v", f.Stats()["discards"])
	}
}

func TestFileReadOnly(t *testing.T) {
	rw, path := openTempImage(t, 8192)
	if _, err := rw.WriteAt([]byte("boot"), 0); err != nil {
		t.Fatal(err)
	}
	rw.Close()

	ro, err := OpenFile(path, 0, true)
	if err != nil {
		t.Fatalf("OpenFile read-only: %v", err)
	}
	defer ro.Close()

	if ro.Size() != 8192 || !ro.ReadOnly() {
		t.Errorf("Size = %d, ReadOnly = %v", ro.Size(), ro.ReadOnly())
	}
	got := make([]byte, 4)
	if _, err := ro.ReadAt(got, 0); err != nil || string(got) != "boot" {
		t.Errorf("ReadAt = %q, %v", got, err)
	}
	if _, err := ro.WriteAt(got, 0); !kerr.IsCode(err, kerr.CodePermissionDenied) {
		t.Errorf("write to read-only image: %v", err)
	}
	if err := ro.Discard(0, 512); !kerr.IsCode(err, kerr.CodePermissionDenied) {
		t.Errorf("discard on read-only image: %v", err)
	}
	if _, err := OpenFile(path, 16384, true); !kerr.IsCode(err, kerr.CodeInvalidParameters) {
		t.Errorf("growing read-only image: %v", err)
	}
}

func TestFileClosed(t *testing.T) {
	f, _ := openTempImage(t, 4096)
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := f.ReadAt(make([]byte, 1), 0); !kerr.IsCode(err, kerr.CodeDeviceOffline) {
		t.Errorf("read after close: %v", err)
	}
	if f.Stats()["io"] != "closed" {
		t.Errorf("io = %v", f.Stats()["io"])
	}
}
