package xipfs

import (
	"sync"
	"sync/atomic"
)

// atUnmount holds cleanup callbacks host tooling (cmd/xipfsfuse) registers
// so a signal-driven shutdown still flushes and unmounts every live mount
// point instead of leaving the page buffer's last write uncommitted.
var atUnmount struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtUnmount queues fn to run during RunAtUnmount.
func RegisterAtUnmount(fn func() error) {
	if atomic.LoadUint32(&atUnmount.closed) != 0 {
		panic("BUG: RegisterAtUnmount must not be called from an at-unmount func")
	}
	atUnmount.Lock()
	defer atUnmount.Unlock()
	atUnmount.fns = append(atUnmount.fns, fn)
}

// RunAtUnmount runs every registered callback in registration order,
// stopping at the first error.
func RunAtUnmount() error {
	atomic.StoreUint32(&atUnmount.closed, 1)
	for _, fn := range atUnmount.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
