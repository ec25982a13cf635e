package bdev

import (
	"path/filepath"
	"testing"
)

func TestMemDeviceReadsUnwrittenBlockAsZero(t *testing.T) {
	d := NewMemDevice()
	buf := make([]byte, BlockSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := d.ReadBlock(3, buf); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d: want 0, got %d", i, b)
		}
	}
}

func TestMemDeviceWriteReadRoundTrip(t *testing.T) {
	d := NewMemDevice()
	want := make([]byte, BlockSize)
	for i := range want {
		want[i] = byte(i)
	}
	if err := d.WriteBlock(5, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, BlockSize)
	if err := d.ReadBlock(5, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestFileBlockDeviceCreateWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := CreateFile(path, 4)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer dev.Close()

	want := make([]byte, BlockSize)
	for i := range want {
		want[i] = byte(i * 3)
	}
	if err := dev.WriteBlock(2, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got := make([]byte, BlockSize)
	if err := dev.ReadBlock(2, got); err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: want %d, got %d", i, want[i], got[i])
		}
	}
}

func TestFileBlockDeviceRejectsWrongSizedBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	dev, err := CreateFile(path, 2)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer dev.Close()

	if err := dev.WriteBlock(0, make([]byte, BlockSize-1)); err == nil {
		t.Fatalf("want an error writing an undersized buffer")
	}
	if err := dev.ReadBlock(0, make([]byte, BlockSize+1)); err == nil {
		t.Fatalf("want an error reading into an oversized buffer")
	}
}

func TestOpenFileSecondHolderIsLockedOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	first, err := CreateFile(path, 2)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	defer first.Close()

	if _, err := OpenFile(path); err == nil {
		t.Fatalf("want the advisory lock to reject a second concurrent opener")
	}
}
