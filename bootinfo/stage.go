package bootinfo

import (
	"fmt"
	"unsafe"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/booterr"
	"github.com/hhuOS/towboot/header"
	"github.com/hhuOS/towboot/memory"
)

// copyInfoImpl writes the assembled info buffer to its staged physical
// address, the same unsafe.Slice-backed identity-map write
// kernel.copySegmentImpl and module.copyModuleImpl use; swappable so tests
// can observe writes without touching real memory.
var copyInfoImpl = func(physAddr uint64, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(physAddr))), len(data))
	copy(dst, data)
}

func build(in Inputs, hdrVersion header.Version, base uint64) ([]byte, error) {
	if hdrVersion == header.V1 {
		return BuildV1(in, base)
	}
	return BuildV2(in)
}

// Stage allocates physical memory for the boot information structure
// through the Memory Stager (memory.KindMBI). With the ModulesBelow200Mb
// quirk the buffer is placed below the module ceiling, as modules are;
// otherwise it is placed below 4 GiB. The allocation is sized and populated from a draft built
// against in's current MemoryMap snapshot; call Finalize once Handover has
// captured the authoritative final snapshot to rewrite the memory-map-
// dependent fields (and, for V1, the self-referential pointer fields) in
// place. Returns the allocation's physical base and byte capacity.
func Stage(in Inputs, hdrVersion header.Version, stager *memory.Stager) (addr uint64, capacity uint64, err error) {
	draft, err := build(in, hdrVersion, 0)
	if err != nil {
		return 0, 0, err
	}

	pages := memory.PagesFor(uint64(len(draft)))
	if pages == 0 {
		pages = 1
	}
	constraint := memory.Constraint{Kind: memory.Below4GiB}
	if in.Quirks.Has(bootconfig.ModulesBelow200Mb) {
		constraint = memory.Constraint{Kind: memory.Below200MiB}
	}
	a, err := stager.Allocate(pages, memory.KindMBI, constraint)
	if err != nil {
		return 0, 0, err
	}

	copyInfoImpl(a.Base, draft)
	return a.Base, a.Size(), nil
}

// Finalize rebuilds the info buffer against in's authoritative memory map
// (and, for V1, addr as the self-referential base) and re-copies it into
// the allocation Stage already reserved at addr. Nothing may allocate more
// physical memory this late in the handoff (spec §4.6 is past the point of
// new allocations), so a buffer that grew past the capacity Stage reserved
// is reported as unrecoverable rather than written out of bounds.
func Finalize(in Inputs, hdrVersion header.Version, addr uint64, capacity uint64) error {
	final, err := build(in, hdrVersion, addr)
	if err != nil {
		return err
	}
	if uint64(len(final)) > capacity {
		return fmt.Errorf("%w: boot information grew from staged capacity %d to %d bytes", booterr.ErrUnrecoverable, capacity, len(final))
	}
	copyInfoImpl(addr, final)
	return nil
}
