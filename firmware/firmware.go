// Package firmware abstracts the UEFI capability threaded through every
// other component: page allocation, the memory map, ExitBootServices, and
// configuration-table lookup (ACPI, SMBIOS). It plays the same role for the
// boot core that build/env.ExecEnv plays for the build tooling it was
// adapted from: one interface, one native implementation, and test doubles
// that never touch real hardware.
package firmware

import "fmt"

// MemoryType mirrors the UEFI EFI_MEMORY_TYPE enumeration values that the
// boot information builder needs to classify: everything else the firmware
// might report collapses to Reserved by the caller (see bootinfo).
type MemoryType uint32

// Subset of EFI_MEMORY_TYPE relevant to Multiboot mmap classification.
const (
	MemoryReserved MemoryType = iota
	MemoryLoaderCode
	MemoryLoaderData
	MemoryBootServicesCode
	MemoryBootServicesData
	MemoryRuntimeServicesCode
	MemoryRuntimeServicesData
	MemoryConventional
	MemoryUnusable
	MemoryACPIReclaim
	MemoryACPINonVolatile
	MemoryMemoryMappedIO
	MemoryMemoryMappedIOPortSpace
	MemoryPalCode
	MemoryPersistent
)

// String implements fmt.Stringer for logging.
func (t MemoryType) String() string {
	switch t {
	case MemoryReserved:
		return "Reserved"
	case MemoryLoaderCode:
		return "LoaderCode"
	case MemoryLoaderData:
		return "LoaderData"
	case MemoryBootServicesCode:
		return "BootServicesCode"
	case MemoryBootServicesData:
		return "BootServicesData"
	case MemoryRuntimeServicesCode:
		return "RuntimeServicesCode"
	case MemoryRuntimeServicesData:
		return "RuntimeServicesData"
	case MemoryConventional:
		return "Conventional"
	case MemoryUnusable:
		return "Unusable"
	case MemoryACPIReclaim:
		return "ACPIReclaim"
	case MemoryACPINonVolatile:
		return "ACPINonVolatile"
	case MemoryMemoryMappedIO:
		return "MemoryMappedIO"
	case MemoryMemoryMappedIOPortSpace:
		return "MemoryMappedIOPortSpace"
	case MemoryPalCode:
		return "PalCode"
	case MemoryPersistent:
		return "Persistent"
	default:
		return fmt.Sprintf("MemoryType(%d)", uint32(t))
	}
}

// MemoryDescriptor is the Go shape of an EFI_MEMORY_DESCRIPTOR entry.
type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// End returns the exclusive end physical address of the descriptor.
func (d MemoryDescriptor) End() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

// MemoryMap is a snapshot of the firmware memory map together with the
// MapKey that ExitBootServices must be called with to prove the caller saw
// this exact snapshot.
type MemoryMap struct {
	Entries           []MemoryDescriptor
	MapKey            uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// PageSize is the fixed UEFI page size (4 KiB) used throughout the core.
const PageSize = 4096

// AllocateType mirrors EFI_ALLOCATE_TYPE.
type AllocateType int

const (
	// AllocateAnyPages lets the firmware choose any address.
	AllocateAnyPages AllocateType = iota
	// AllocateMaxAddress requests pages at or below a maximum address.
	AllocateMaxAddress
	// AllocateAddress requests pages starting at an exact address.
	AllocateAddress
)

// GUID is an EFI_GUID, used to look up entries in the configuration table.
type GUID [16]byte

// Well-known configuration table GUIDs the info builder looks for.
var (
	ACPI10TableGUID = GUID{0xEB, 0x9D, 0x2D, 0x30, 0x2D, 0x88, 0x11, 0xD3, 0x9A, 0x16, 0x00, 0x90, 0x27, 0x3F, 0xC1, 0x4D}
	ACPI20TableGUID = GUID{0x8B, 0x9E, 0x18, 0x80, 0x3F, 0x9E, 0x11, 0xD4, 0x9A, 0x5F, 0x00, 0x90, 0x27, 0x3F, 0xC1, 0x4D}
	SMBIOSTableGUID = GUID{0xEB, 0x9D, 0x2D, 0x31, 0x2D, 0x88, 0x11, 0xD3, 0x9A, 0x16, 0x00, 0x90, 0x27, 0x3F, 0xC1, 0x4D}
	SMBIOS3TableGUID = GUID{0xF2, 0xFD, 0x15, 0x44, 0x97, 0x44, 0x48, 0xF6, 0x96, 0x35, 0xF4, 0xCD, 0x00, 0xE1, 0x69, 0x09}
)

// Services is the capability surface every other component calls through.
// No component other than the Memory Stager may call AllocatePages or
// FreePages directly (spec §5's "sole gateway" rule); everything else is
// read-only firmware interrogation.
type Services interface {
	// AllocatePages requests pages of the given type. For AllocateAddress
	// and AllocateMaxAddress, addr is the exact address / maximum address
	// respectively; it is ignored for AllocateAnyPages.
	AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error)

	// FreePages releases a prior allocation.
	FreePages(addr uint64, pages uint64) error

	// GetMemoryMap returns the current firmware memory map and its map key.
	GetMemoryMap() (MemoryMap, error)

	// ExitBootServices terminates Boot Services, given the map key from the
	// most recent GetMemoryMap call. Returns ErrMemoryMapVolatile-shaped
	// errors (via booterr) on key mismatch; callers re-snapshot and retry.
	ExitBootServices(mapKey uint64) error

	// LocateConfigTable looks up a vendor GUID in the EFI configuration
	// table, returning its raw bytes and whether it was found.
	LocateConfigTable(guid GUID) ([]byte, bool)

	// SystemTable returns the physical address of the EFI System Table, for
	// the EFI system-table-pointer tag.
	SystemTable() uint64

	// ImageHandle returns the handle of the currently executing image, for
	// the EFI image-handle tag under DontExitBootServices.
	ImageHandle() uint64
}

// Reader is the subset of Services that does not allocate or free memory.
// memory.Stager hands this view to components that need firmware facts
// (the memory map, configuration tables, handover) without granting them
// the ability to bypass the Stager's bookkeeping.
type Reader interface {
	GetMemoryMap() (MemoryMap, error)
	ExitBootServices(mapKey uint64) error
	LocateConfigTable(guid GUID) ([]byte, bool)
	SystemTable() uint64
	ImageHandle() uint64
}
