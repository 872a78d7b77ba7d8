//go:build !amd64 && !386

package handover

import "github.com/hhuOS/towboot/kernel"

// NativeTrampoline has no implementation outside x86/x86_64, matching the
// spec's Non-goal of supporting non-x86 architectures.
type NativeTrampoline struct{}

// Jump implements Trampoline.
func (NativeTrampoline) Jump(mode kernel.Mode, magic uint32, infoAddr uint64, entryPoint uint64) error {
	panic("handover: NativeTrampoline is not implemented for this architecture")
}
