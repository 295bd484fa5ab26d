package xipexec

import (
	"testing"

	"github.com/2xs/xipfs/internal/flash"
	"github.com/2xs/xipfs/internal/pagebuf"
	"github.com/2xs/xipfs/internal/record"
)

func newTestExecutor(t *testing.T) (*Executor, *record.Store) {
	t.Helper()
	dev := flash.NewMemDevice(0x08000000, 4096, 4, 4)
	buf := pagebuf.New(dev)
	s := record.New(dev, buf, 0x08000000, 4)
	return &Executor{Store: s, CPU: &SimCPU{Registry: NewRegistry()}}, s
}

func TestLaunchRejectsNonExecutable(t *testing.T) {
	e, s := newTestExecutor(t)
	r, err := s.NewRecord("/data", 8, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Launch(r, nil, nil); err == nil {
		t.Fatal("expected EPERM for non-executable record")
	}
}

func TestLaunchRunsRegisteredProgram(t *testing.T) {
	e, s := newTestExecutor(t)
	const programID = 42
	ran := false
	e.CPU.(*SimCPU).Registry.Register(programID, func(argv [][]byte, sys SyscallTable) int32 {
		ran = true
		if len(argv) != 1 || string(argv[0]) != "hello" {
			t.Fatalf("unexpected argv: %v", argv)
		}
		return 7
	})

	header := EncodeHeader(programID)
	r, err := s.NewRecord("/bin/prog", uint32(len(header)), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Buf.Write(r.Addr+uintptr(record.HeaderSize), header); err != nil {
		t.Fatal(err)
	}
	if err := s.Buf.Flush(); err != nil {
		t.Fatal(err)
	}

	code, err := e.Launch(r, [][]byte{[]byte("hello")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("program did not run")
	}
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}
