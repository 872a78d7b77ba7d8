//go:build amd64

package handover

import (
	"fmt"

	"github.com/hhuOS/towboot/kernel"
)

// jumpLongMode64 and jumpProtected32 are asm-backed, declared with
// //go:noescape since they never return control to Go: they load the
// protocol's magic/info-pointer into the registers the kernel expects and
// transfer control to entryPoint directly, following the same
// "hand a (magic, info_ptr, entry_point) tuple to an architecture
// trampoline" shape as n-canter-u-root's setupTrampoline, but calling
// straight into Go-declared assembly instead of patching a kexec blob.

//go:noescape
func jumpLongMode64(magic uint32, infoAddr uint64, entryPoint uint64)

//go:noescape
func jumpProtected32(magic uint32, infoAddr uint32, entryPoint uint32)

// NativeTrampoline is the real, hardware-facing Trampoline. Jump never
// returns on success; an error result only ever indicates a mode this
// build cannot execute.
type NativeTrampoline struct{}

// Jump implements Trampoline.
func (NativeTrampoline) Jump(mode kernel.Mode, magic uint32, infoAddr uint64, entryPoint uint64) error {
	switch mode {
	case kernel.ModeAMD64_64, kernel.ModeEFI64:
		jumpLongMode64(magic, infoAddr, entryPoint)
	case kernel.ModeI386_32, kernel.ModeEFI32:
		jumpProtected32(magic, uint32(infoAddr), uint32(entryPoint))
	default:
		return fmt.Errorf("handover: unknown mode %v", mode)
	}
	// Unreachable on real hardware: the asm trampolines jump directly into
	// the kernel and never return.
	return fmt.Errorf("handover: trampoline for %v returned", mode)
}
