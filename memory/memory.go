// Package memory implements the Memory Stager (C1): a thin policy layer
// over the firmware page allocator that honors placement constraints and
// guarantees the disjointness invariant across every allocation it hands
// out, regardless of which component asked for it.
package memory

import (
	"sort"

	"github.com/hhuOS/towboot/booterr"
	"github.com/hhuOS/towboot/firmware"
)

// Kind classifies the purpose of an allocation, mirroring spec §3.
type Kind string

// Allocation kinds.
const (
	KindKernelCode Kind = "kernel_code"
	KindModule     Kind = "module"
	KindMBI        Kind = "mbi"
	KindStack      Kind = "stack"
	KindScratch    Kind = "scratch"
)

// ConstraintKind enumerates the four placement policies of spec §4.1.
type ConstraintKind int

const (
	// Anywhere lets the firmware choose any physical address.
	Anywhere ConstraintKind = iota
	// Below4GiB requests an address below 2^32.
	Below4GiB
	// Below200MiB requests an address below the configurable module
	// ceiling (default 200 MiB, see Stager.ModuleCeiling).
	Below200MiB
	// AtExactAddress requests a specific physical address.
	AtExactAddress
)

// Constraint describes where an allocation may be placed.
type Constraint struct {
	Kind ConstraintKind
	At   uint64 // only meaningful for AtExactAddress
}

func (c Constraint) String() string {
	switch c.Kind {
	case Below4GiB:
		return "below_4gb"
	case Below200MiB:
		return "below_200mb"
	case AtExactAddress:
		return "at_exact_address"
	default:
		return "anywhere"
	}
}

// Allocation is a record of one live physical range, per spec §3.
type Allocation struct {
	Base  uint64
	Pages uint64
	Kind  Kind
}

// Size returns the allocation's size in bytes.
func (a Allocation) Size() uint64 { return a.Pages * firmware.PageSize }

// End returns the allocation's exclusive end address.
func (a Allocation) End() uint64 { return a.Base + a.Size() }

const fourGiB = uint64(1) << 32

// defaultModuleCeiling is the historical 200 MiB constant. Spec §9's first
// Open Question asks whether this should be tunable rather than a literal;
// we resolve it by exposing Stager.ModuleCeiling as a field instead of a
// package constant, defaulting to this value.
const defaultModuleCeiling = 200 << 20

// Stager is the Memory Stager (C1). It is the sole caller of the firmware
// allocator (spec §5): no other component may call firmware.Services'
// AllocatePages/FreePages directly.
type Stager struct {
	fw firmware.Services

	// ModuleCeiling is the upper bound used for the Below200MiB
	// constraint. Defaults to 200 MiB; callers may lower or raise it per
	// spec §9's Open Question.
	ModuleCeiling uint64

	live []Allocation
}

// NewStager returns a Stager backed by the given firmware capability.
func NewStager(fw firmware.Services) *Stager {
	return &Stager{fw: fw, ModuleCeiling: defaultModuleCeiling}
}

// Live returns a copy of the currently live allocations, sorted by base
// address.
func (s *Stager) Live() []Allocation {
	out := make([]Allocation, len(s.live))
	copy(out, s.live)
	return out
}

func (s *Stager) overlapsLive(base, pages uint64) bool {
	end := base + pages*firmware.PageSize
	for _, a := range s.live {
		if base < a.End() && a.Base < end {
			return true
		}
	}
	return false
}

func (s *Stager) insert(a Allocation) {
	s.live = append(s.live, a)
	sort.Slice(s.live, func(i, j int) bool { return s.live[i].Base < s.live[j].Base })
}

func memTypeFor(kind Kind) firmware.MemoryType {
	if kind == KindModule {
		return firmware.MemoryLoaderData
	}
	return firmware.MemoryLoaderData
}

// Allocate requests `pages` pages under the given constraint and returns
// the resulting Allocation. AtExactAddress constraints must go through
// AllocateAt instead, since they carry the ForceOverwrite policy decision.
func (s *Stager) Allocate(pages uint64, kind Kind, c Constraint) (Allocation, error) {
	if c.Kind == AtExactAddress {
		return s.AllocateAt(pages, c.At, kind, false)
	}

	allocType := firmware.AllocateAnyPages
	var maxAddr uint64
	switch c.Kind {
	case Below4GiB:
		allocType = firmware.AllocateMaxAddress
		maxAddr = fourGiB - 1
	case Below200MiB:
		allocType = firmware.AllocateMaxAddress
		if s.ModuleCeiling == 0 {
			s.ModuleCeiling = defaultModuleCeiling
		}
		maxAddr = s.ModuleCeiling - 1
	}

	base, err := s.fw.AllocatePages(allocType, memTypeFor(kind), pages, maxAddr)
	if err != nil {
		return Allocation{}, booterr.NewAllocationError(c.String(), err)
	}
	a := Allocation{Base: base, Pages: pages, Kind: kind}
	if s.overlapsLive(a.Base, a.Pages) {
		_ = s.fw.FreePages(base, pages)
		return Allocation{}, booterr.NewAllocationError(c.String(), nil)
	}
	s.insert(a)
	return a, nil
}

// AllocateAt requests pages at an exact physical address. If forceOverwrite
// is true (the ForceOverwrite quirk, kernel segments only per spec §4.3),
// the firmware's own overlap-with-reserved-region check is bypassed and the
// range is staked out unconditionally; the stager's own disjointness
// invariant against its *own* live allocations is never bypassed.
func (s *Stager) AllocateAt(pages uint64, base uint64, kind Kind, forceOverwrite bool) (Allocation, error) {
	if s.overlapsLive(base, pages) {
		return Allocation{}, booterr.NewAllocationError("at_exact_address", nil)
	}

	if forceOverwrite {
		a := Allocation{Base: base, Pages: pages, Kind: kind}
		s.insert(a)
		return a, nil
	}

	got, err := s.fw.AllocatePages(firmware.AllocateAddress, memTypeFor(kind), pages, base)
	if err != nil {
		return Allocation{}, booterr.NewAllocationError("at_exact_address", err)
	}
	a := Allocation{Base: got, Pages: pages, Kind: kind}
	s.insert(a)
	return a, nil
}

// Free releases a prior allocation. The caller's copy becomes invalid; per
// spec §3, ownership of an Allocation is exclusive to the Stager until
// release.
func (s *Stager) Free(a Allocation) error {
	for i, live := range s.live {
		if live.Base == a.Base && live.Pages == a.Pages {
			if err := s.fw.FreePages(a.Base, a.Pages); err != nil {
				return err
			}
			s.live = append(s.live[:i], s.live[i+1:]...)
			return nil
		}
	}
	return booterr.NewAllocationError("free", nil)
}

// FreeAll releases every live allocation, best-effort, for the unwind path
// on failure before ExitBootServices (spec §7's rollback policy). Errors
// from individual frees are collected but do not stop the unwind.
func (s *Stager) FreeAll() []error {
	var errs []error
	for _, a := range s.Live() {
		if err := s.Free(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Snapshot returns the current firmware memory map. Components other than
// Handover call this only to observe state, never to allocate.
func (s *Stager) Snapshot() (firmware.MemoryMap, error) {
	return s.fw.GetMemoryMap()
}

// Firmware exposes the read-only subset of the underlying capability for
// components (Handover, Info Builder) that must call other firmware
// services the Stager does not wrap, without granting them access to the
// allocator — spec §5's "sole gateway" rule.
func (s *Stager) Firmware() firmware.Reader { return s.fw }

// PagesFor returns the number of pages needed to cover size bytes.
func PagesFor(size uint64) uint64 {
	return (size + firmware.PageSize - 1) / firmware.PageSize
}
