// Package bootinfo implements the Info Builder (C5): assembling the
// protocol-specific boot information structure handed to the kernel at
// handover — the Multiboot 1 fixed `mbi` plus owned side tables, or the
// Multiboot 2 8-byte-aligned tag stream.
//
// The V1 struct layout and cmdline/bootloader-name placement are grounded
// on n-canter-u-root/pkg/multiboot/info.go's Info/infoWrapper pair. The V2
// tag-stream assembly follows the byte-exact binary-structure-building
// idiom of build/measurement/tdx_qemu.go (TD HOB construction via
// encoding/binary) and the RSDP-copy/checksum idiom of
// build/measurement/acpi/acpi.go. The V2 tag type constants and
// framebuffer/memory-map shapes are grounded on the gopher-os reference
// multiboot readers under other_examples/.
package bootinfo

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/header"
	"github.com/hhuOS/towboot/kernel"
	"github.com/hhuOS/towboot/module"
)

const bootloaderName = "towboot"

// Version of the towboot core reported in the bootloader-name tag. Kept as
// a variable rather than a literal so a build pipeline can stamp it via
// -ldflags, matching the teacher's own main.go version variable.
var Version = "dev"

// Multiboot mmap entry types (spec §4.5 tag 5).
const (
	MmapAvailable      uint32 = 1
	MmapReserved       uint32 = 2
	MmapACPIReclaimable uint32 = 3
	MmapNVS            uint32 = 4
	MmapBadRAM         uint32 = 5
)

// classifyMemType implements spec §4.5 tag 5's firmware-type-to-Multiboot-
// type mapping.
func classifyMemType(t firmware.MemoryType) uint32 {
	switch t {
	case firmware.MemoryConventional,
		firmware.MemoryLoaderCode, firmware.MemoryLoaderData,
		firmware.MemoryBootServicesCode, firmware.MemoryBootServicesData:
		return MmapAvailable
	case firmware.MemoryACPIReclaim:
		return MmapACPIReclaimable
	case firmware.MemoryACPINonVolatile:
		return MmapNVS
	case firmware.MemoryUnusable:
		return MmapBadRAM
	default:
		return MmapReserved
	}
}

// Framebuffer describes a set video mode, if any (spec §4.5 tag 6).
type Framebuffer struct {
	Address uint64
	Pitch   uint32
	Width   uint32
	Height  uint32
	BPP     uint8
	Type    uint8
}

// Inputs collects everything the Info Builder needs. Assembled by the
// caller (the dev CLI harness, or a future production front-end) from the
// outputs of C2-C4 plus firmware facts.
type Inputs struct {
	Header      header.Header
	Kernel      *kernel.LoadedKernel
	Modules     []module.LoadedModule
	Cmdline     string
	Quirks      bootconfig.Quirks
	Framebuffer *Framebuffer // nil if KeepResolution or never set

	// MemoryMap is the firmware map snapshot to encode into tag 5. Per
	// spec §4.6, Handover supplies this at the exact moment of exit_ok
	// (or, under DontExitBootServices, a live snapshot).
	MemoryMap firmware.MemoryMap

	// RSDPv1, RSDPv2 are raw copies of the ACPI RSDP located via the
	// firmware configuration table, or nil if absent.
	RSDPv1, RSDPv2 []byte
	// SMBIOS, SMBIOS3 are raw copies of the SMBIOS entry point structures.
	SMBIOS, SMBIOS3 []byte

	// SystemTableAddr, ImageHandleAddr back tags 10/11; the image-handle
	// tag and the EFI memory-map tag are only emitted under
	// DontExitBootServices.
	SystemTableAddr uint64
	ImageHandleAddr uint64
}

// is32 reports whether the EFI system-table/image-handle tags should use
// the 32-bit or 64-bit tag type.
func (in Inputs) is32() bool {
	switch in.Kernel.Mode {
	case kernel.ModeI386_32, kernel.ModeEFI32:
		return true
	default:
		return false
	}
}

// align8 rounds n up to the next multiple of 8.
func align8(n int) int { return (n + 7) &^ 7 }

type v2TagWriter struct {
	buf bytes.Buffer
}

// writeTag appends one tag: a 2-byte type, 2-byte flags (always 0; optional
// tags are not produced by this builder), a 4-byte size, the payload, and
// zero padding up to the next 8-byte boundary.
func (w *v2TagWriter) writeTag(typ uint16, payload []byte) {
	size := uint32(8 + len(payload))
	binary.Write(&w.buf, binary.LittleEndian, typ)
	binary.Write(&w.buf, binary.LittleEndian, uint16(0))
	binary.Write(&w.buf, binary.LittleEndian, size)
	w.buf.Write(payload)
	padded := align8(int(size))
	for i := int(size); i < padded; i++ {
		w.buf.WriteByte(0)
	}
}

// V2 tag type numbers, per the Multiboot 2 information-structure spec.
const (
	infoTagCmdline       uint16 = 1
	infoTagBootLoader    uint16 = 2
	infoTagModule        uint16 = 3
	infoTagBasicMemInfo  uint16 = 4
	infoTagMemoryMap     uint16 = 6
	infoTagFramebuffer   uint16 = 8
	infoTagELFSections   uint16 = 9
	infoTagACPIv1        uint16 = 14
	infoTagACPIv2        uint16 = 15
	infoTagEFI32ST       uint16 = 11
	infoTagEFI64ST       uint16 = 12
	infoTagSMBIOS        uint16 = 13
	infoTagEFI32ImageHnd uint16 = 19
	infoTagEFI64ImageHnd uint16 = 20
	infoTagEFIMemoryMap  uint16 = 17
	infoTagEnd           uint16 = 0
)

func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// BuildV2 assembles the Multiboot 2 tag stream in the fixed order of spec
// §4.5. total_size/reserved occupy the first 8 bytes.
func BuildV2(in Inputs) ([]byte, error) {
	var w v2TagWriter

	// 1. cmdline
	w.writeTag(infoTagCmdline, cString(in.Cmdline))

	// 2. bootloader name
	w.writeTag(infoTagBootLoader, cString(bootloaderName+" "+Version))

	// 3. modules, one tag per module, input order preserved
	for _, m := range in.Modules {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, uint32(m.PhysicalBase))
		binary.Write(&payload, binary.LittleEndian, uint32(m.End()))
		payload.Write(cString(m.Cmdline))
		w.writeTag(infoTagModule, payload.Bytes())
	}

	// 4. basic memory info
	memLowerKiB, memUpperKiB := basicMemInfo(in.MemoryMap)
	var basicMem bytes.Buffer
	binary.Write(&basicMem, binary.LittleEndian, memLowerKiB)
	binary.Write(&basicMem, binary.LittleEndian, memUpperKiB)
	w.writeTag(infoTagBasicMemInfo, basicMem.Bytes())

	// 5. memory map
	var mmap bytes.Buffer
	const mmapEntrySize = uint32(24)
	binary.Write(&mmap, binary.LittleEndian, mmapEntrySize)
	binary.Write(&mmap, binary.LittleEndian, uint32(0)) // entry_version
	for _, d := range in.MemoryMap.Entries {
		binary.Write(&mmap, binary.LittleEndian, d.PhysicalStart)
		binary.Write(&mmap, binary.LittleEndian, d.NumberOfPages*firmware.PageSize)
		binary.Write(&mmap, binary.LittleEndian, classifyMemType(d.Type))
		binary.Write(&mmap, binary.LittleEndian, uint32(0)) // reserved
	}
	w.writeTag(infoTagMemoryMap, mmap.Bytes())

	// 6. framebuffer, unless KeepResolution is active or none was set
	if in.Framebuffer != nil && !in.Quirks.Has(bootconfig.KeepResolution) {
		fb := in.Framebuffer
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, fb.Address)
		binary.Write(&payload, binary.LittleEndian, fb.Pitch)
		binary.Write(&payload, binary.LittleEndian, fb.Width)
		binary.Write(&payload, binary.LittleEndian, fb.Height)
		binary.Write(&payload, binary.LittleEndian, fb.BPP)
		binary.Write(&payload, binary.LittleEndian, uint8(1)) // type: direct RGB
		binary.Write(&payload, binary.LittleEndian, uint16(0)) // reserved
		w.writeTag(infoTagFramebuffer, payload.Bytes())
	}

	// 7. ELF sections
	if in.Kernel.IsELF && len(in.Kernel.ELFSections) > 0 {
		w.writeTag(infoTagELFSections, in.Kernel.ELFSections)
	}

	// 8. ACPI RSDP v1 and v2
	if len(in.RSDPv1) > 0 {
		w.writeTag(infoTagACPIv1, in.RSDPv1)
	}
	if len(in.RSDPv2) > 0 {
		w.writeTag(infoTagACPIv2, in.RSDPv2)
	}

	// 9. SMBIOS
	if len(in.SMBIOS) > 0 {
		w.writeTag(infoTagSMBIOS, in.SMBIOS)
	}
	if len(in.SMBIOS3) > 0 {
		w.writeTag(infoTagSMBIOS, in.SMBIOS3)
	}

	// 10. EFI system table pointer
	is32 := in.is32()
	if is32 {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, uint32(in.SystemTableAddr))
		w.writeTag(infoTagEFI32ST, payload.Bytes())
	} else {
		var payload bytes.Buffer
		binary.Write(&payload, binary.LittleEndian, in.SystemTableAddr)
		w.writeTag(infoTagEFI64ST, payload.Bytes())
	}

	// 11. EFI image handle and EFI memory map, only under DontExitBootServices
	if in.Quirks.Has(bootconfig.DontExitBootServices) {
		if is32 {
			var payload bytes.Buffer
			binary.Write(&payload, binary.LittleEndian, uint32(in.ImageHandleAddr))
			w.writeTag(infoTagEFI32ImageHnd, payload.Bytes())
		} else {
			var payload bytes.Buffer
			binary.Write(&payload, binary.LittleEndian, in.ImageHandleAddr)
			w.writeTag(infoTagEFI64ImageHnd, payload.Bytes())
		}
		w.writeTag(infoTagEFIMemoryMap, mmap.Bytes())
	}

	// 12. end tag
	w.writeTag(infoTagEnd, nil)

	body := w.buf.Bytes()
	totalSize := uint32(8 + len(body))

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, totalSize)
	binary.Write(&out, binary.LittleEndian, uint32(0)) // reserved
	out.Write(body)
	return out.Bytes(), nil
}

// basicMemInfo derives mem_lower/mem_upper from the firmware map per spec
// §4.5 tag 4: lower is conventional memory at or below 640 KiB, upper is
// contiguous free memory starting at 1 MiB.
func basicMemInfo(mm firmware.MemoryMap) (lowerKiB, upperKiB uint32) {
	const sixFortyKiB = 640 * 1024
	const oneMiB = 1 << 20

	for _, d := range mm.Entries {
		if d.Type != firmware.MemoryConventional {
			continue
		}
		if d.PhysicalStart < sixFortyKiB {
			end := d.End()
			if end > sixFortyKiB {
				end = sixFortyKiB
			}
			if end > d.PhysicalStart {
				lowerKiB += uint32((end - d.PhysicalStart) / 1024)
			}
		}
	}

	// Find the contiguous free run starting at 1 MiB.
	var entries []firmware.MemoryDescriptor
	for _, d := range mm.Entries {
		if d.Type == firmware.MemoryConventional {
			entries = append(entries, d)
		}
	}
	cur := uint64(oneMiB)
	for {
		advanced := false
		for _, d := range entries {
			if d.PhysicalStart <= cur && d.End() > cur {
				upperKiB += uint32((d.End() - cur) / 1024)
				cur = d.End()
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}
	return lowerKiB, upperKiB
}

// utf16LE re-encodes an ASCII/UTF-8 string to little-endian UTF-16, the way
// build/measurement/tdx_qemu.go re-encodes strings destined for EFI-facing
// consumers. No tag emitted by BuildV1 or BuildV2 calls it: the
// image-handle tag carries only the handle, with no description string.
func utf16LE(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	r := transform.NewReader(bytes.NewReader([]byte(s)), enc)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
