// Package module implements the Module Loader (C4): staging each
// configured auxiliary module as a contiguous physical block and retaining
// its command-line string, preserving input order.
//
// Grounded on n-canter-u-root/pkg/multiboot/module.go's addModules/addModule
// pair, adapted from "read a module file from disk, gzip-sniff it" (out of
// scope here — module bytes already arrive read per spec §3) to "copy
// already-read bytes into a staged allocation."
package module

import (
	"unsafe"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/memory"
)

// LoadedModule is the C4 output: one staged module, per spec §3.
type LoadedModule struct {
	PhysicalBase uint64
	Size         uint64
	Cmdline      string
}

// End returns the module's exclusive end physical address.
func (m LoadedModule) End() uint64 { return m.PhysicalBase + m.Size }

// copyModuleImpl writes a module's bytes to its staged physical address,
// the same unsafe.Slice-backed identity-map write kernel.copySegmentImpl
// uses; swappable so tests can observe copies without touching real memory.
var copyModuleImpl = func(physAddr uint64, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(physAddr))), len(data))
	copy(dst, data)
}

func constraintFor(quirks bootconfig.Quirks, kernelIs32 bool) memory.Constraint {
	switch {
	case quirks.Has(bootconfig.ModulesBelow200Mb):
		return memory.Constraint{Kind: memory.Below200MiB}
	case kernelIs32:
		return memory.Constraint{Kind: memory.Below4GiB}
	default:
		return memory.Constraint{Kind: memory.Anywhere}
	}
}

// LoadAll stages every configured module in order. Constraint selection per
// spec §4.4: below_200mb iff ModulesBelow200Mb is active, else below_4gb
// for 32-bit kernels, else anywhere. Allocations always land page-aligned,
// satisfying the V2 module_align tag's requirement by construction.
func LoadAll(mods []bootconfig.Module, stager *memory.Stager, quirks bootconfig.Quirks, kernelIs32 bool) ([]LoadedModule, error) {
	constraint := constraintFor(quirks, kernelIs32)

	loaded := make([]LoadedModule, 0, len(mods))
	for _, mod := range mods {
		size := uint64(len(mod.Bytes))
		pages := memory.PagesFor(size)
		if pages == 0 {
			pages = 1
		}

		a, err := stager.Allocate(pages, memory.KindModule, constraint)
		if err != nil {
			return nil, err
		}

		copyModuleImpl(a.Base, mod.Bytes)

		loaded = append(loaded, LoadedModule{
			PhysicalBase: a.Base,
			Size:         size,
			Cmdline:      mod.Cmdline,
		})
	}
	return loaded, nil
}
