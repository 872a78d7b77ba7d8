//go:build 386

package firmware

import (
	"unsafe"

	"github.com/hhuOS/towboot/booterr"
)

// On IA-32, UEFI uses the standard C calling convention (arguments pushed
// right to left, caller cleans the stack), the same convention plan9 asm
// uses for cdecl-style calls, so no register shuffling is required here —
// efiCall32 is a plain indirect CALL after pushing arguments.

type bootServicesTable32 struct {
	_                [24]byte // EFI_TABLE_HEADER
	_                [4]byte
	_                [4]byte
	allocatePages    uintptr
	freePages        uintptr
	getMemoryMap     uintptr
	_                [4]byte
	_                [4]byte
	_                [6 * 4]byte // event and timer services
	_                [9 * 4]byte // protocol handler services
	_                [4 * 4]byte // LoadImage, StartImage, Exit, UnloadImage
	exitBootServices uintptr
}

type systemTableHeader32 struct {
	_                    [24]byte // EFI_TABLE_HEADER
	_                    uintptr
	_                    uint32
	_                    uintptr
	_                    uintptr
	_                    uintptr
	_                    uintptr
	_                    uintptr
	_                    uintptr
	_                    uintptr
	bootServices         uintptr
	numberOfTableEntries uint32
	configurationTable   uintptr
}

type configTableEntry32 struct {
	guid  GUID
	table uintptr
}

// Native is the production Services backed by the 32-bit EFI System Table.
type Native struct {
	systemTable uintptr
	imageHandle uintptr
	bs          *bootServicesTable32
	st          *systemTableHeader32
}

// NewNative wraps the raw EFI System Table pointer and image handle.
func NewNative(imageHandle, systemTable uintptr) *Native {
	st := (*systemTableHeader32)(unsafe.Pointer(systemTable))
	return &Native{
		systemTable: systemTable,
		imageHandle: imageHandle,
		st:          st,
		bs:          (*bootServicesTable32)(unsafe.Pointer(st.bootServices)),
	}
}

//go:noescape
func efiCall32(fn uintptr, a1, a2, a3, a4 uintptr) uintptr

// AllocatePages implements Services.
func (n *Native) AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error) {
	physical := uintptr(addr)
	status := efiCall32(n.bs.allocatePages, uintptr(kind), uintptr(memType), uintptr(pages), uintptr(unsafe.Pointer(&physical)))
	if status != 0 {
		return 0, booterr.NewAllocationError(allocateTypeName(kind), booterr.NewFirmwareCallError("AllocatePages", uint64(status)))
	}
	return uint64(physical), nil
}

// FreePages implements Services.
func (n *Native) FreePages(addr uint64, pages uint64) error {
	status := efiCall32(n.bs.freePages, uintptr(addr), uintptr(pages), 0, 0)
	if status != 0 {
		return booterr.NewFirmwareCallError("FreePages", uint64(status))
	}
	return nil
}

// GetMemoryMap implements Services.
func (n *Native) GetMemoryMap() (MemoryMap, error) {
	var size, key uintptr
	var descSize uintptr
	efiCall32(n.bs.getMemoryMap, uintptr(unsafe.Pointer(&size)), 0, uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(&descSize)))
	size += descSize * 8
	buf := make([]byte, size)
	status := efiCall32(n.bs.getMemoryMap, uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(&descSize)))
	if status != 0 {
		return MemoryMap{}, booterr.NewFirmwareCallError("GetMemoryMap", uint64(status))
	}
	var entries []MemoryDescriptor
	for off := uintptr(0); off+descSize <= size; off += descSize {
		raw := (*rawMemoryDescriptor)(unsafe.Pointer(&buf[off]))
		entries = append(entries, MemoryDescriptor{
			Type:          MemoryType(raw.typ),
			PhysicalStart: raw.physicalStart,
			VirtualStart:  raw.virtualStart,
			NumberOfPages: raw.numberOfPages,
			Attribute:     raw.attribute,
		})
	}
	return MemoryMap{Entries: entries, MapKey: uint64(key), DescriptorSize: uint64(descSize)}, nil
}

// ExitBootServices implements Services.
func (n *Native) ExitBootServices(mapKey uint64) error {
	status := efiCall32(n.bs.exitBootServices, n.imageHandle, uintptr(mapKey), 0, 0)
	if status != 0 {
		return booterr.ErrMemoryMapVolatile
	}
	return nil
}

// LocateConfigTable implements Services.
func (n *Native) LocateConfigTable(guid GUID) ([]byte, bool) {
	entries := unsafe.Slice((*configTableEntry32)(unsafe.Pointer(n.st.configurationTable)), n.st.numberOfTableEntries)
	for _, e := range entries {
		if e.guid == guid {
			return unsafe.Slice((*byte)(unsafe.Pointer(e.table)), rsdpProbeLength), true
		}
	}
	return nil, false
}

// SystemTable implements Services.
func (n *Native) SystemTable() uint64 { return uint64(n.systemTable) }

// ImageHandle implements Services.
func (n *Native) ImageHandle() uint64 { return uint64(n.imageHandle) }
