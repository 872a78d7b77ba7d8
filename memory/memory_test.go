package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/memory"
)

func TestAllocateBelow4GiB(t *testing.T) {
	fw := firmware.NewFake()
	s := memory.NewStager(fw)

	a, err := s.Allocate(4, memory.KindScratch, memory.Constraint{Kind: memory.Below4GiB})
	require.NoError(t, err)
	require.Less(t, a.End(), uint64(1)<<32)
}

func TestAllocateBelow200MiB(t *testing.T) {
	fw := firmware.NewFake()
	s := memory.NewStager(fw)

	pages := memory.PagesFor(16 << 20)
	a, err := s.Allocate(pages, memory.KindModule, memory.Constraint{Kind: memory.Below200MiB})
	require.NoError(t, err)
	require.Less(t, a.End(), uint64(200)<<20)
}

func TestDisjointAllocations(t *testing.T) {
	fw := firmware.NewFake()
	s := memory.NewStager(fw)

	a, err := s.Allocate(4, memory.KindScratch, memory.Constraint{Kind: memory.Anywhere})
	require.NoError(t, err)
	b, err := s.Allocate(4, memory.KindScratch, memory.Constraint{Kind: memory.Anywhere})
	require.NoError(t, err)

	require.False(t, a.Base < b.End() && b.Base < a.End(), "allocations must not overlap")
}

func TestAllocateAtExactAddressRejectsOverlapWithReserved(t *testing.T) {
	fw := firmware.NewFake()
	fw.Reserved = []firmware.MemoryDescriptor{
		{Type: firmware.MemoryReserved, PhysicalStart: 0xC0000, NumberOfPages: 16},
	}
	s := memory.NewStager(fw)

	_, err := s.AllocateAt(4, 0xC0000, memory.KindKernelCode, false)
	require.Error(t, err)

	a, err := s.AllocateAt(4, 0xC0000, memory.KindKernelCode, true)
	require.NoError(t, err, "ForceOverwrite must bypass the reserved-region check")
	require.Equal(t, uint64(0xC0000), a.Base)
}

func TestAllocateAtExactAddressStillRejectsOwnOverlap(t *testing.T) {
	fw := firmware.NewFake()
	s := memory.NewStager(fw)

	_, err := s.AllocateAt(4, 0x100000, memory.KindKernelCode, true)
	require.NoError(t, err)

	// Even with ForceOverwrite, the stager's own disjointness invariant
	// over its *own* live allocations is never bypassed.
	_, err = s.AllocateAt(2, 0x100000, memory.KindKernelCode, true)
	require.Error(t, err)
}

func TestFreeAllReleasesEveryLiveAllocation(t *testing.T) {
	fw := firmware.NewFake()
	s := memory.NewStager(fw)

	_, err := s.Allocate(4, memory.KindScratch, memory.Constraint{Kind: memory.Anywhere})
	require.NoError(t, err)
	_, err = s.Allocate(4, memory.KindScratch, memory.Constraint{Kind: memory.Anywhere})
	require.NoError(t, err)

	errs := s.FreeAll()
	require.Empty(t, errs)
	require.Empty(t, s.Live())
}
