package firmware

import (
	"sort"

	"github.com/hhuOS/towboot/booterr"
)

// Fake is an in-memory Services implementation for tests and the
// cmd/towboot simulate harness. It never issues a real firmware call;
// it tracks reservations and a synthetic memory map entirely in Go.
//
// Mirrors build/env.NativeEnv's role: the "this always works, nothing is
// actually wired to hardware" reference implementation.
type Fake struct {
	// Reserved is the set of physical ranges Fake treats as already
	// claimed by firmware/platform use (VGA, ACPI tables, etc.) before any
	// allocation is made. AllocatePages with AllocateAddress refuses to
	// hand out pages that overlap a Reserved range.
	Reserved []MemoryDescriptor

	// Conventional describes the free RAM regions Fake may allocate from,
	// in priority order.
	Conventional []MemoryDescriptor

	// ConfigTables lets tests register GUID -> bytes entries returned by
	// LocateConfigTable.
	ConfigTables map[GUID][]byte

	SystemTableAddr uint64
	ImageHandleAddr uint64

	allocated    []MemoryDescriptor
	mapKey       uint64
	exited       bool
	exitFailures int
}

// NewFake returns a Fake with a single large conventional region starting
// at 1 MiB, enough headroom for realistic test kernels.
func NewFake() *Fake {
	return &Fake{
		Conventional: []MemoryDescriptor{
			{Type: MemoryConventional, PhysicalStart: 0x100000, NumberOfPages: (4 << 30) / PageSize},
		},
		ConfigTables: map[GUID][]byte{},
		mapKey:       1,
	}
}

func overlaps(aStart, aPages, bStart, bPages uint64) bool {
	aEnd := aStart + aPages*PageSize
	bEnd := bStart + bPages*PageSize
	return aStart < bEnd && bStart < aEnd
}

func (f *Fake) reservedOverlap(addr, pages uint64) bool {
	for _, r := range f.Reserved {
		if overlaps(addr, pages, r.PhysicalStart, r.NumberOfPages) {
			return true
		}
	}
	for _, a := range f.allocated {
		if overlaps(addr, pages, a.PhysicalStart, a.NumberOfPages) {
			return true
		}
	}
	return false
}

// AllocatePages implements Services.
func (f *Fake) AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error) {
	if f.exited {
		return 0, booterr.ErrUnrecoverable
	}
	switch kind {
	case AllocateAddress:
		if f.reservedOverlap(addr, pages) {
			return 0, booterr.NewAllocationError("at_exact_address", nil)
		}
		f.allocated = append(f.allocated, MemoryDescriptor{Type: memType, PhysicalStart: addr, NumberOfPages: pages})
		f.mapKey++
		return addr, nil
	case AllocateMaxAddress, AllocateAnyPages:
		var maxAddr uint64 = ^uint64(0)
		if kind == AllocateMaxAddress {
			maxAddr = addr
		}
		for _, region := range f.Conventional {
			base := region.PhysicalStart
			// Try to place within this region, honoring maxAddr.
			if base+pages*PageSize-1 > maxAddr {
				continue
			}
			candidate := base
			for f.reservedOverlap(candidate, pages) {
				candidate += PageSize
				if candidate+pages*PageSize-1 > maxAddr || candidate+pages*PageSize > region.PhysicalStart+region.NumberOfPages*PageSize {
					candidate = 0
					break
				}
			}
			if candidate == 0 {
				continue
			}
			f.allocated = append(f.allocated, MemoryDescriptor{Type: memType, PhysicalStart: candidate, NumberOfPages: pages})
			f.mapKey++
			return candidate, nil
		}
		return 0, booterr.NewAllocationError("anywhere", nil)
	default:
		return 0, booterr.NewAllocationError("unknown", nil)
	}
}

// FreePages implements Services.
func (f *Fake) FreePages(addr uint64, pages uint64) error {
	for i, a := range f.allocated {
		if a.PhysicalStart == addr && a.NumberOfPages == pages {
			f.allocated = append(f.allocated[:i], f.allocated[i+1:]...)
			f.mapKey++
			return nil
		}
	}
	return booterr.NewFirmwareCallError("FreePages", 1)
}

// GetMemoryMap implements Services.
func (f *Fake) GetMemoryMap() (MemoryMap, error) {
	entries := make([]MemoryDescriptor, 0, len(f.Reserved)+len(f.allocated)+len(f.Conventional))
	entries = append(entries, f.Reserved...)
	entries = append(entries, f.allocated...)
	entries = append(entries, f.freeConventional()...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].PhysicalStart < entries[j].PhysicalStart })
	return MemoryMap{Entries: entries, MapKey: f.mapKey, DescriptorSize: 40, DescriptorVersion: 1}, nil
}

// freeConventional returns the portions of Conventional not currently
// allocated or reserved, so the snapshot reflects genuinely free RAM.
func (f *Fake) freeConventional() []MemoryDescriptor {
	var free []MemoryDescriptor
	for _, region := range f.Conventional {
		cursor := region.PhysicalStart
		end := region.PhysicalStart + region.NumberOfPages*PageSize
		var blockers []MemoryDescriptor
		for _, a := range append(append([]MemoryDescriptor{}, f.Reserved...), f.allocated...) {
			if overlaps(region.PhysicalStart, region.NumberOfPages, a.PhysicalStart, a.NumberOfPages) {
				blockers = append(blockers, a)
			}
		}
		sort.Slice(blockers, func(i, j int) bool { return blockers[i].PhysicalStart < blockers[j].PhysicalStart })
		for _, b := range blockers {
			if b.PhysicalStart > cursor {
				free = append(free, MemoryDescriptor{Type: MemoryConventional, PhysicalStart: cursor, NumberOfPages: (b.PhysicalStart - cursor) / PageSize})
			}
			if bEnd := b.PhysicalStart + b.NumberOfPages*PageSize; bEnd > cursor {
				cursor = bEnd
			}
		}
		if cursor < end {
			free = append(free, MemoryDescriptor{Type: MemoryConventional, PhysicalStart: cursor, NumberOfPages: (end - cursor) / PageSize})
		}
	}
	return free
}

// ExitFailuresBeforeSuccess makes the next N calls to ExitBootServices fail
// with a stale map key, to drive the retry scenario in spec §8 #4.
func (f *Fake) ExitFailuresBeforeSuccess(n int) { f.exitFailures = n }

// ExitBootServices implements Services.
func (f *Fake) ExitBootServices(mapKey uint64) error {
	if f.exitFailures > 0 {
		f.exitFailures--
		f.mapKey++ // simulate something being allocated concurrently
		return booterr.ErrMemoryMapVolatile
	}
	if mapKey != f.mapKey {
		return booterr.ErrMemoryMapVolatile
	}
	f.exited = true
	return nil
}

// LocateConfigTable implements Services.
func (f *Fake) LocateConfigTable(guid GUID) ([]byte, bool) {
	b, ok := f.ConfigTables[guid]
	return b, ok
}

// SystemTable implements Services.
func (f *Fake) SystemTable() uint64 { return f.SystemTableAddr }

// ImageHandle implements Services.
func (f *Fake) ImageHandle() uint64 { return f.ImageHandleAddr }
