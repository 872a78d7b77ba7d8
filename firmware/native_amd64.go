//go:build amd64

package firmware

import (
	"unsafe"

	"github.com/hhuOS/towboot/booterr"
)

// bootServicesTable mirrors the fields of EFI_BOOT_SERVICES this package
// calls through, in declaration order. Fields before AllocatePages are
// present only to keep the offsets correct; they are never dereferenced.
type bootServicesTable struct {
	_                  [24]byte // EFI_TABLE_HEADER
	_                  [8]byte  // RaiseTPL
	_                  [8]byte  // RestoreTPL
	allocatePages      uintptr
	freePages          uintptr
	getMemoryMap       uintptr
	_                  [8]byte // AllocatePool
	_                  [8]byte // FreePool
	_                  [6 * 8]byte // event and timer services
	_                  [9 * 8]byte // protocol handler services
	_                  [4 * 8]byte // LoadImage, StartImage, Exit, UnloadImage
	exitBootServices   uintptr
}

// systemTableHeader mirrors the leading fields of EFI_SYSTEM_TABLE needed to
// reach the configuration table without binding the whole struct layout.
type systemTableHeader struct {
	_                    [24]byte // EFI_TABLE_HEADER
	_                    uintptr  // FirmwareVendor
	_                    uint32   // FirmwareRevision
	_                    uint32   // padding
	_                    uintptr  // ConsoleInHandle
	_                    uintptr  // ConIn
	_                    uintptr  // ConsoleOutHandle
	_                    uintptr  // ConOut
	_                    uintptr  // StandardErrorHandle
	_                    uintptr  // StdErr
	_                    uintptr  // RuntimeServices
	bootServices         uintptr
	numberOfTableEntries uint64
	configurationTable   uintptr
}

type configTableEntry struct {
	guid  GUID
	table uintptr
}

// Native is the production Services backed by the EFI System Table handed
// to the application's entry point. Every method crosses into firmware via
// efiCall, a small assembly trampoline that translates the Go (System V)
// calling convention into the Microsoft x64 convention UEFI requires.
type Native struct {
	systemTable uintptr
	imageHandle uintptr
	bs          *bootServicesTable
	st          *systemTableHeader
}

// NewNative wraps the raw EFI System Table pointer and image handle passed
// to the application's entry point by the firmware.
func NewNative(imageHandle, systemTable uintptr) *Native {
	st := (*systemTableHeader)(unsafe.Pointer(systemTable))
	return &Native{
		systemTable: systemTable,
		imageHandle: imageHandle,
		st:          st,
		bs:          (*bootServicesTable)(unsafe.Pointer(st.bootServices)),
	}
}

// efiCall is implemented in native_amd64.s. It reserves the 32-byte shadow
// space the Microsoft x64 ABI requires, places up to four arguments in
// RCX/RDX/R8/R9, and calls fn.
//
//go:noescape
func efiCall(fn uintptr, a1, a2, a3, a4 uintptr) uintptr

// AllocatePages implements Services.
func (n *Native) AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error) {
	physical := addr
	status := efiCall(n.bs.allocatePages, uintptr(kind), uintptr(memType), uintptr(pages), uintptr(unsafe.Pointer(&physical)))
	if status != 0 {
		return 0, booterr.NewAllocationError(allocateTypeName(kind), booterr.NewFirmwareCallError("AllocatePages", uint64(status)))
	}
	return physical, nil
}

// FreePages implements Services.
func (n *Native) FreePages(addr uint64, pages uint64) error {
	status := efiCall(n.bs.freePages, uintptr(addr), uintptr(pages), 0, 0)
	if status != 0 {
		return booterr.NewFirmwareCallError("FreePages", uint64(status))
	}
	return nil
}

// GetMemoryMap implements Services.
func (n *Native) GetMemoryMap() (MemoryMap, error) {
	var (
		size      uint64
		key       uint64
		descSize  uint64
		descVer   uint32
	)
	// First call with size=0 to discover the required buffer size.
	status := efiCall(n.bs.getMemoryMap, uintptr(unsafe.Pointer(&size)), 0, uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(&descSize)))
	_ = status
	// Pad for descriptor growth between the size query and the real call.
	size += uint64(descSize) * 8
	buf := make([]byte, size)
	status = efiCall(n.bs.getMemoryMap, uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&key)), uintptr(unsafe.Pointer(&descSize)))
	if status != 0 {
		return MemoryMap{}, booterr.NewFirmwareCallError("GetMemoryMap", uint64(status))
	}
	var entries []MemoryDescriptor
	for off := uint64(0); off+descSize <= size; off += descSize {
		raw := (*rawMemoryDescriptor)(unsafe.Pointer(&buf[off]))
		entries = append(entries, MemoryDescriptor{
			Type:          MemoryType(raw.typ),
			PhysicalStart: raw.physicalStart,
			VirtualStart:  raw.virtualStart,
			NumberOfPages: raw.numberOfPages,
			Attribute:     raw.attribute,
		})
	}
	return MemoryMap{Entries: entries, MapKey: key, DescriptorSize: descSize, DescriptorVersion: descVer}, nil
}

// ExitBootServices implements Services.
func (n *Native) ExitBootServices(mapKey uint64) error {
	status := efiCall(n.bs.exitBootServices, n.imageHandle, uintptr(mapKey), 0, 0)
	if status != 0 {
		return booterr.ErrMemoryMapVolatile
	}
	return nil
}

// LocateConfigTable implements Services.
func (n *Native) LocateConfigTable(guid GUID) ([]byte, bool) {
	entries := unsafe.Slice((*configTableEntry)(unsafe.Pointer(n.st.configurationTable)), n.st.numberOfTableEntries)
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
