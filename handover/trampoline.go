package handover

import "github.com/hhuOS/towboot/kernel"

// FakeTrampoline records the jump it was asked to perform instead of
// executing it, so tests can assert the final register-state tuple
// without leaving Go's runtime.
type FakeTrampoline struct {
	Calls []FakeJump
	Err   error
}

// FakeJump is one recorded call to FakeTrampoline.Jump.
type FakeJump struct {
	Mode       kernel.Mode
	Magic      uint32
	InfoAddr   uint64
	EntryPoint uint64
}

// Jump implements Trampoline.
func (f *FakeTrampoline) Jump(mode kernel.Mode, magic uint32, infoAddr uint64, entryPoint uint64) error {
	f.Calls = append(f.Calls, FakeJump{Mode: mode, Magic: magic, InfoAddr: infoAddr, EntryPoint: entryPoint})
	return f.Err
}
