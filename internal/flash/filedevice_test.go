package flash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateFileDeviceWritesImageOfExpectedSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xipfs.img")
	dev, err := CreateFileDevice(path, 0x08000000, 256, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 256*4 {
		t.Fatalf("got size %d, want %d", info.Size(), 256*4)
	}
	if dev.Path() != path {
		t.Fatalf("got path %q, want %q", dev.Path(), path)
	}
}

func TestOpenFileDeviceRoundtripsWrittenData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xipfs.img")
	dev, err := CreateFileDevice(path, 0x08000000, 256, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello\x00\x00\x00") // write-block size 4: pad to a multiple of 4
	if err := dev.ProgramAligned(PageStart(dev, 0), payload); err != nil {
		t.Fatal(err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileDevice(path, 0x08000000, 256, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if err := reopened.ReadAt(got, PageStart(reopened, 0)); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestOpenFileDeviceRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xipfs.img")
	if err := os.WriteFile(path, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFileDevice(path, 0x08000000, 256, 4, 4); err == nil {
		t.Fatal("expected error opening an image of the wrong size")
	}
}

func TestOpenFileDeviceMissingFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.img")
	if _, err := OpenFileDevice(path, 0x08000000, 256, 4, 4); err == nil {
		t.Fatal("expected error opening a missing image")
	}
}

func TestFlushReplacesFileContentsAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xipfs.img")
	dev, err := CreateFileDevice(path, 0x08000000, 256, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.ProgramAligned(PageStart(dev, 0), []byte("first\x00\x00\x00")); err != nil {
		t.Fatal(err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := dev.ProgramAligned(PageStart(dev, 1), []byte("second\x00\x00")); err != nil {
		t.Fatal(err)
	}
	if err := dev.Flush(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[:5]) != "first" {
		t.Fatalf("first write not preserved across second flush: %q", raw[:5])
	}
	if string(raw[256:262]) != "second" {
		t.Fatalf("second write not committed: %q", raw[256:262])
	}
}
