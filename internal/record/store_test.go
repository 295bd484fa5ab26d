package record

import (
	"testing"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/pagebuf"
)

const (
	testPageSize = 4096
	testPages    = 8
	testBase     = 0x08000000
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dev := flash.NewMemDevice(testBase, testPageSize, testPages, 4)
	buf := pagebuf.New(dev)
	return New(dev, buf, testBase, testPages)
}

func TestEmptyStoreHasNoHead(t *testing.T) {
	s := newTestStore(t)
	r, err := s.HeadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Fatal("expected nil head on empty store")
	}
}

func TestNewRecordBecomesHead(t *testing.T) {
	s := newTestStore(t)
	r, err := s.NewRecord("/a", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Addr != testBase {
		t.Fatalf("head addr = %#x, want %#x", r.Addr, testBase)
	}
	if r.Reserved != testPageSize {
		t.Fatalf("reserved = %d, want %d", r.Reserved, testPageSize)
	}
	got, err := s.HeadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if got.Path != "/a" {
		t.Fatalf("path = %q", got.Path)
	}
}

func TestTwoRecordsLinkCorrectly(t *testing.T) {
	s := newTestStore(t)
	a, err := s.NewRecord("/a", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.NewRecord("/b", 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if uintptr(a.Next) != b.Addr {
		t.Fatalf("a.Next = %#x, want %#x", a.Next, b.Addr)
	}
	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
}

// S3: fill the mount until NewRecord returns ENOSPACE; unlink the head
// file; next NewRecord succeeds; invariants hold throughout.
func TestFillUntilFullThenFreeByRemoval(t *testing.T) {
	s := newTestStore(t)
	var created []*FileRecord
	for i := 0; i < testPages; i++ {
		r, err := s.NewRecord(pathN(i), 0, false)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		created = append(created, r)
		assertInvariants(t, s)
	}
	if _, err := s.NewRecord("/overflow", 0, false); err == nil {
		t.Fatal("expected ENOSPACE once all pages are claimed")
	}

	head, err := s.HeadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(head, nil); err != nil {
		t.Fatal(err)
	}
	assertInvariants(t, s)

	if _, err := s.NewRecord("/new", 0, false); err != nil {
		t.Fatalf("expected space after removal: %v", err)
	}
	assertInvariants(t, s)
}

func pathN(i int) string {
	return "/f" + string(rune('a'+i))
}

func assertInvariants(t *testing.T, s *Store) {
	t.Helper()
	all, err := s.All()
	if err != nil {
		t.Fatalf("invariant check: All: %v", err)
	}
	seen := map[string]bool{}
	for _, r := range all {
		if r.Addr%testPageSize != 0 {
			t.Fatalf("invariant 3 violated: %#x not page-aligned", r.Addr)
		}
		if r.Reserved == 0 || r.Reserved%testPageSize != 0 {
			t.Fatalf("invariant 3 violated: reserved=%d", r.Reserved)
		}
		if !r.full() && uintptr(r.Next) != r.Addr+uintptr(r.Reserved) {
			t.Fatalf("invariant 1 violated at %#x", r.Addr)
		}
		if seen[r.Path] {
			t.Fatalf("invariant 2 violated: duplicate path %q", r.Path)
		}
		seen[r.Path] = true
	}
}

func TestRemovePreservesSurvivorPayload(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.NewRecord("/a", 0, false); err != nil {
		t.Fatal(err)
	}
	b, err := s.NewRecord("/b", 100, false)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello, /b")
	if err := s.Buf.Write(b.Addr+HeaderSize, payload); err != nil {
		t.Fatal(err)
	}
	if err := s.Buf.Flush(); err != nil {
		t.Fatal(err)
	}

	a, _ := s.HeadRecord()
	if err := s.Remove(a, nil); err != nil {
		t.Fatal(err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Path != "/b" {
		t.Fatalf("unexpected survivors: %+v", all)
	}
	got := make([]byte, len(payload))
	if err := s.Buf.Read(got, all[0].Addr+HeaderSize); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload corrupted: got %q", got)
	}
	assertInvariants(t, s)
}

func TestRenamePrefixRenamesAllMatches(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.NewRecord("/d/x", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewRecord("/d/y", 0, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.NewRecord("/other", 0, false); err != nil {
		t.Fatal(err)
	}
	n, err := s.RenamePrefix("/d/", "/e/")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("renamed %d records, want 2", n)
	}
	all, err := s.All()
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, r := range all {
		paths = append(paths, r.Path)
	}
	want := map[string]bool{"/e/x": true, "/e/y": true, "/other": true}
	for _, p := range paths {
		if !want[p] {
			t.Fatalf("unexpected path %q after rename, all=%v", p, paths)
		}
	}
}
