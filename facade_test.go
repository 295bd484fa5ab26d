package xipfs

import (
	"io"
	"testing"

	"github.com/2xs/xipfs/internal/xipexec"
)

func TestOpenCreateWriteReadRoundtrip(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	fd, err := mp.Open("/greeting", OCREAT|ORDWR, 64)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello, xipfs")
	n, err := mp.Write(fd, payload)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if _, err := mp.Lseek(fd, 0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	n, err = mp.Read(fd, got)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got[:n], payload)
	}
	if err := mp.Close(fd); err != nil {
		t.Fatal(err)
	}

	st, err := mp.Stat("/greeting")
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != uint32(len(payload)) {
		t.Fatalf("stat size = %d, want %d", st.Size, len(payload))
	}
}

func TestOpenWithoutCreateOnMissingPathFails(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)
	if _, err := mp.Open("/nope", ORDONLY, 0); err == nil {
		t.Fatal("expected error opening a nonexistent file without OCREAT")
	}
}

func TestMkdirRmdirRoundtrip(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}
	st, err := mp.Stat("/dir")
	if err != nil {
		t.Fatal(err)
	}
	if !st.IsDir {
		t.Fatal("stat did not report a directory")
	}
	if err := mp.Rmdir("/dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Stat("/dir"); err == nil {
		t.Fatal("expected error statting a removed directory")
	}
}

func TestRmdirRefusesNonemptyDirectory(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/dir/child", 8, false); err != nil {
		t.Fatal(err)
	}
	if err := mp.Rmdir("/dir"); err == nil {
		t.Fatal("expected error removing a nonempty directory")
	}
}

func TestReaddirListsDirectChildrenOnly(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	for _, p := range []string{"/a", "/b"} {
		if err := mp.NewFile(p, 8, false); err != nil {
			t.Fatal(err)
		}
	}
	if err := mp.Mkdir("/sub"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/sub/nested", 8, false); err != nil {
		t.Fatal(err)
	}

	dirfd, err := mp.Opendir("/")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for {
		d, err := mp.Readdir(dirfd)
		if err != nil {
			t.Fatal(err)
		}
		if d == nil {
			break
		}
		names[d.Name] = true
	}
	for _, want := range []string{"a", "b", "sub"} {
		if !names[want] {
			t.Fatalf("readdir missing entry %q: got %v", want, names)
		}
	}
	if names["nested"] {
		t.Fatal("readdir leaked a grandchild entry")
	}
}

func TestRenameDirectoryMovesDescendants(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/old"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/old/f", 8, false); err != nil {
		t.Fatal(err)
	}
	if err := mp.Rename("/old", "/new"); err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Stat("/new/f"); err != nil {
		t.Fatalf("renamed descendant not found: %v", err)
	}
	if _, err := mp.Stat("/old"); err == nil {
		t.Fatal("old directory path still resolves after rename")
	}
}

func TestUnlinkRefusesDirectory(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)
	if err := mp.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}
	if err := mp.Unlink("/dir"); err == nil {
		t.Fatal("expected error unlinking a directory")
	}
}

func TestInfosFileIsReadOnly(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	fd, err := mp.Open(infosPath, ORDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := mp.Read(fd, buf); err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Open(infosPath, OWRONLY, 0); err == nil {
		t.Fatal("expected error opening infos file for write")
	}
	if err := mp.Unlink(infosPath); err == nil {
		t.Fatal("expected error unlinking infos file")
	}
}

func TestExecRunsRegisteredProgramAndReleasesLock(t *testing.T) {
	dev := newTestDevice(t)
	registry := xipexec.NewRegistry()
	const programID = 7
	registry.Register(programID, func(argv [][]byte, sys xipexec.SyscallTable) int32 {
		return 42
	})
	mp, err := Mount("/mnt", dev, 8, &xipexec.SimCPU{Registry: registry})
	if err != nil {
		t.Fatal(err)
	}

	header := xipexec.EncodeHeader(programID)
	if err := mp.Mkdir("/bin"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/bin/prog", uint32(len(header)), true); err != nil {
		t.Fatal(err)
	}
	fd, err := mp.Open("/bin/prog", OWRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Write(fd, header); err != nil {
		t.Fatal(err)
	}
	if err := mp.Close(fd); err != nil {
		t.Fatal(err)
	}

	code, err := mp.Exec("/bin/prog", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if code != 42 {
		t.Fatalf("exit code = %d, want 42", code)
	}

	if !mp.exec.TryAcquire(1) {
		t.Fatal("exec semaphore not released after Exec returned")
	}
	mp.exec.Release(1)
}

func TestExecRejectsNestedAttempt(t *testing.T) {
	dev := newTestDevice(t)
	registry := xipexec.NewRegistry()
	const programID = 9
	registry.Register(programID, func(argv [][]byte, sys xipexec.SyscallTable) int32 { return 0 })
	mp, err := Mount("/mnt", dev, 8, &xipexec.SimCPU{Registry: registry})
	if err != nil {
		t.Fatal(err)
	}

	header := xipexec.EncodeHeader(programID)
	if err := mp.Mkdir("/bin"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/bin/prog", uint32(len(header)), true); err != nil {
		t.Fatal(err)
	}
	fd, err := mp.Open("/bin/prog", OWRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Write(fd, header); err != nil {
		t.Fatal(err)
	}
	if err := mp.Close(fd); err != nil {
		t.Fatal(err)
	}

	if !mp.exec.TryAcquire(1) {
		t.Fatal("setup: could not simulate an in-flight exec")
	}
	defer mp.exec.Release(1)

	if _, err := mp.Exec("/bin/prog", nil, nil); err == nil {
		t.Fatal("expected nested exec to be rejected")
	}
}

// TestLseekPastSizeThenCloseGrowsFile covers spec.md §8 scenario S6: a seek
// past the current committed size but within the record's reserved
// capacity succeeds, and closing the descriptor afterwards lazily commits
// that position as the new size.
func TestLseekPastSizeThenCloseGrowsFile(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	fd, err := mp.Open("/f", OCREAT|ORDWR, 64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Write(fd, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	pos, err := mp.Lseek(fd, 1000, io.SeekStart)
	if err != nil {
		t.Fatalf("seek past current size within capacity should succeed: %v", err)
	}
	if pos != 1000 {
		t.Fatalf("got pos %d, want 1000", pos)
	}
	if err := mp.Close(fd); err != nil {
		t.Fatal(err)
	}

	st, err := mp.Stat("/f")
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 1000 {
		t.Fatalf("stat size = %d, want 1000 after seek-then-close", st.Size)
	}
}

// TestLseekRejectsOffsetBeyondMaxPos covers the other half of §4.7's bound:
// a seek beyond the record's reserved capacity itself still fails, even
// though a seek merely past the committed size succeeds.
func TestLseekRejectsOffsetBeyondMaxPos(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	fd, err := mp.Open("/f", OCREAT|ORDWR, 64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Write(fd, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if _, err := mp.Lseek(fd, 1<<20, io.SeekStart); err == nil {
		t.Fatal("expected EMAXOFF seeking past the record's reserved capacity")
	}
}

// TestUnlinkLastChildKeepsDirectoryVisible covers spec.md §4.7/§9's empty-
// directory placeholder: removing the only file under a non-root
// directory must not make the directory itself disappear.
func TestUnlinkLastChildKeepsDirectoryVisible(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/dir/only", 8, false); err != nil {
		t.Fatal(err)
	}
	if err := mp.Unlink("/dir/only"); err != nil {
		t.Fatal(err)
	}

	st, err := mp.Stat("/dir")
	if err != nil {
		t.Fatalf("directory vanished after its last child was unlinked: %v", err)
	}
	if !st.IsDir {
		t.Fatal("stat did not report a directory")
	}
	dirfd, err := mp.Opendir("/dir")
	if err != nil {
		t.Fatalf("opendir failed on emptied directory: %v", err)
	}
	if d, err := mp.Readdir(dirfd); err != nil || d != nil {
		t.Fatalf("expected no entries in emptied directory, got %v, %v", d, err)
	}
}

// TestNewFileEvictsParentPlaceholder covers the other half of the
// lifecycle: once an emptied directory gains a new child, its placeholder
// record must be evicted rather than left behind as a stray record.
func TestNewFileEvictsParentPlaceholder(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/dir"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/dir/only", 8, false); err != nil {
		t.Fatal(err)
	}
	if err := mp.Unlink("/dir/only"); err != nil {
		t.Fatal(err)
	}
	if err := mp.NewFile("/dir/again", 8, false); err != nil {
		t.Fatal(err)
	}

	dirfd, err := mp.Opendir("/dir")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for {
		d, err := mp.Readdir(dirfd)
		if err != nil {
			t.Fatal(err)
		}
		if d == nil {
			break
		}
		names[d.Name] = true
	}
	if !names["again"] || len(names) != 1 {
		t.Fatalf("expected exactly {again}, got %v (stale placeholder not evicted?)", names)
	}
}

// TestRmdirNestedRematerializesGrandparent covers the symmetric rmdir case:
// removing the only subdirectory of a non-root directory must keep that
// parent directory visible too.
func TestRmdirNestedRematerializesGrandparent(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/a"); err != nil {
		t.Fatal(err)
	}
	if err := mp.Mkdir("/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := mp.Rmdir("/a/b"); err != nil {
		t.Fatal(err)
	}

	st, err := mp.Stat("/a")
	if err != nil {
		t.Fatalf("/a vanished after its only child directory was removed: %v", err)
	}
	if !st.IsDir {
		t.Fatal("stat did not report a directory")
	}
}

// TestRenameRejectsMoveIntoOwnSubdirectory covers spec.md §8's testable
// property 8: renaming a directory into its own subtree must fail with
// EINVAL rather than corrupt the record store's prefix rename.
func TestRenameRejectsMoveIntoOwnSubdirectory(t *testing.T) {
	dev := newTestDevice(t)
	mp := mustMount(t, dev, 8)

	if err := mp.Mkdir("/a"); err != nil {
		t.Fatal(err)
	}
	if err := mp.Mkdir("/a/b"); err != nil {
		t.Fatal(err)
	}
	if err := mp.Rename("/a", "/a/b/c"); err == nil {
		t.Fatal("expected EINVAL renaming a directory into its own subdirectory")
	}
}
