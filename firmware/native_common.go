//go:build amd64 || 386

package firmware

// rawMemoryDescriptor mirrors EFI_MEMORY_DESCRIPTOR's on-the-wire layout,
// shared by the amd64 and 386 Native implementations.
type rawMemoryDescriptor struct {
	typ           uint32
	_             uint32
	physicalStart uint64
	virtualStart  uint64
	numberOfPages uint64
	attribute     uint64
}

// rsdpProbeLength is large enough to cover an RSDP (ACPI 1.0: 20 bytes,
// ACPI 2.0: 36 bytes) with headroom; callers re-slice to the real length
// once they have parsed the structure's own length field.
const rsdpProbeLength = 64

func allocateTypeName(kind AllocateType) string {
	switch kind {
	case AllocateAddress:
		return "at_exact_address"
	case AllocateMaxAddress:
		return "below_max_address"
	default:
		return "anywhere"
	}
}
