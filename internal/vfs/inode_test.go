package vfs

import (
	"bytes"
	"testing"

	"github.com/stride-os/kernel/internal/bdev"
	"github.com/stride-os/kernel/internal/easyfs"
)

func newTestFS(t *testing.T) *Filesystem {
	t.Helper()
	dev := bdev.NewMemDevice()
	efs, err := easyfs.Initialize(dev, 4096, 1, 64)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return New(efs)
}

func TestCreateFindRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	f, err := root.Create("hello.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.WriteAt(0, []byte("hi there")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	found, ok, err := root.Find("hello.txt")
	if err != nil || !ok {
		t.Fatalf("Find: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 8)
	n, err := found.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 8 || !bytes.Equal(buf, []byte("hi there")) {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()
	if _, err := root.Create("a"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := root.Create("a"); err == nil {
		t.Fatalf("expected duplicate create to fail")
	}
}

func TestHardLinkSharesData(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	f, err := root.Create("orig")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.WriteAt(0, []byte("payload")); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if err := root.CreateLinkByID("alias", f.ID); err != nil {
		t.Fatalf("CreateLinkByID: %v", err)
	}
	st, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Nlink != 2 {
		t.Fatalf("want nlink 2, got %d", st.Nlink)
	}

	alias, ok, err := root.Find("alias")
	if err != nil || !ok {
		t.Fatalf("Find alias: ok=%v err=%v", ok, err)
	}
	buf := make([]byte, 7)
	if _, err := alias.ReadAt(0, buf); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "payload" {
		t.Fatalf("got %q", buf)
	}
}

func TestUnlinkDropsDataOnlyAtZeroNlink(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()

	f, err := root.Create("orig")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := root.CreateLinkByID("alias", f.ID); err != nil {
		t.Fatalf("CreateLinkByID: %v", err)
	}

	if err := root.DestroyLink("orig"); err != nil {
		t.Fatalf("DestroyLink orig: %v", err)
	}
	// alias should still resolve and the inode should still be live.
	alias, ok, err := root.Find("alias")
	if err != nil || !ok {
		t.Fatalf("Find alias after unlink: ok=%v err=%v", ok, err)
	}
	if st, err := alias.Stat(); err != nil || st.Nlink != 1 {
		t.Fatalf("want nlink 1 after first unlink, got %+v err=%v", st, err)
	}

	if err := root.DestroyLink("alias"); err != nil {
		t.Fatalf("DestroyLink alias: %v", err)
	}
	if _, ok, err := root.Find("orig"); err != nil || ok {
		t.Fatalf("orig should be gone: ok=%v err=%v", ok, err)
	}
	if _, ok, err := root.Find("alias"); err != nil || ok {
		t.Fatalf("alias should be gone: ok=%v err=%v", ok, err)
	}
}

func TestLsListsLiveEntriesOnly(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()
	for _, name := range []string{"a", "b", "c"} {
		if _, err := root.Create(name); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	if err := root.DestroyLink("b"); err != nil {
		t.Fatalf("DestroyLink: %v", err)
	}
	names, err := root.Ls()
	if err != nil {
		t.Fatalf("Ls: %v", err)
	}
	want := map[string]bool{"a": true, "c": true}
	if len(names) != len(want) {
		t.Fatalf("got %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Fatalf("unexpected entry %q in %v", n, names)
		}
	}
}

func TestWriteGrowsAcrossDirectBlocks(t *testing.T) {
	fs := newTestFS(t)
	root := fs.Root()
	f, err := root.Create("big")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	payload := bytes.Repeat([]byte{0xab}, bdev.BlockSize*3+17)
	if _, err := f.WriteAt(0, payload); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, len(payload))
	n, err := f.ReadAt(0, buf)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatalf("round trip mismatch, n=%d", n)
	}
}
