//go:build 386

package handover

import (
	"fmt"

	"github.com/hhuOS/towboot/kernel"
)

//go:noescape
func jumpProtected32(magic uint32, infoAddr uint32, entryPoint uint32)

// NativeTrampoline is the real, hardware-facing Trampoline for 32-bit
// builds. Only i386_32/efi32 handover is performed here; Jump returns an
// error for amd64_64/efi64, which kernel.deriveMode can still produce (an
// ELF64 image, or a V2 efi64 entry tag).
type NativeTrampoline struct{}

// Jump implements Trampoline.
func (NativeTrampoline) Jump(mode kernel.Mode, magic uint32, infoAddr uint64, entryPoint uint64) error {
	switch mode {
	case kernel.ModeI386_32, kernel.ModeEFI32:
		jumpProtected32(magic, uint32(infoAddr), uint32(entryPoint))
	default:
		return fmt.Errorf("handover: mode %v not supported on a 32-bit build", mode)
	}
	return fmt.Errorf("handover: trampoline for %v returned", mode)
}
