package bootinfo

import (
	"bytes"
	"encoding/binary"

	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/kernel"
)

// v1Flags bits, one per optional field of the Multiboot 1 information
// structure; BuildV1 sets only the bits for the fields it fills. Kernels
// probe these before trusting a field, per the Multiboot 1 spec.
const (
	v1FlagMemory uint32 = 1 << iota
	v1FlagBootDev
	v1FlagCmdLine
	v1FlagMods
	v1FlagAoutSyms
	v1FlagElfSHDR
	v1FlagMemMap
	v1FlagDriveInfo
	v1FlagConfigTable
	v1FlagBootLoaderName
	v1FlagAPMTable
	v1FlagVideoInfo
	v1FlagFrameBuffer
)

// v1Fixed mirrors n-canter-u-root/pkg/multiboot/info.go's Info struct: the
// fixed-size portion of the Multiboot 1 information structure. Every
// pointer field is a physical address into one of the side tables appended
// after it in the same allocation.
type v1Fixed struct {
	Flags    uint32
	MemLower uint32
	MemUpper uint32

	BootDevice uint32

	CmdLine uint32

	ModsCount uint32
	ModsAddr  uint32

	Syms [4]uint32

	MmapLength uint32
	MmapAddr   uint32

	DrivesLength uint32
	DrivesAddr   uint32

	ConfigTable uint32

	BootLoaderName uint32

	APMTable uint32

	VBEControlInfo  uint32
	VBEModeInfo     uint32
	VBEMode         uint16
	VBEInterfaceSeg uint16
	VBEInterfaceOff uint16
	VBEInterfaceLen uint16

	FramebufferAddr   uint64
	FramebufferPitch  uint32
	FramebufferWidth  uint32
	FramebufferHeight uint32
	FramebufferBPP    uint8
	FramebufferType   uint8
	ColorInfo         [6]byte
}

var sizeofV1Fixed = uint32(binary.Size(v1Fixed{}))

// v1Module mirrors info.go's exported Module struct: the per-module record
// the kernel walks via ModsAddr/ModsCount.
type v1Module struct {
	Start    uint32
	End      uint32
	CmdLine  uint32
	Reserved uint32
}

var sizeofV1Module = uint32(binary.Size(v1Module{}))

// v1MmapEntry is one Multiboot 1 memory-map entry (size field excludes
// itself, per the Multiboot 1 spec's historical quirk).
type v1MmapEntry struct {
	Size     uint32
	BaseAddr uint64
	Length   uint64
	Type     uint32
}

var sizeofV1MmapEntry = uint32(binary.Size(v1MmapEntry{})) - 4 // Size field itself is excluded

// elfSectionEntrySize returns the on-disk size of one ELF section header
// entry for the kernel's class, matching the layout kernel.encodeSectionHeaders
// re-serializes.
func elfSectionEntrySize(lk *kernel.LoadedKernel) uint32 {
	if lk.Mode == kernel.ModeAMD64_64 || lk.Mode == kernel.ModeEFI64 {
		return 64
	}
	return 40
}

// BuildV1 assembles the Multiboot 1 information structure: the fixed
// header followed by its side tables (cmdline, bootloader name, module
// table, memory map), base set to the physical address of the allocation
// this buffer will be copied into.
func BuildV1(in Inputs, base uint64) ([]byte, error) {
	info := v1Fixed{}
	var tail bytes.Buffer

	offset := base + uint64(sizeofV1Fixed)

	info.Flags |= v1FlagCmdLine
	info.CmdLine = uint32(offset + uint64(tail.Len()))
	tail.Write(cString(in.Cmdline))

	info.Flags |= v1FlagBootLoaderName
	info.BootLoaderName = uint32(offset + uint64(tail.Len()))
	tail.Write(cString(bootloaderName + " " + Version))

	if len(in.Modules) > 0 {
		info.Flags |= v1FlagMods
		info.ModsCount = uint32(len(in.Modules))

		cmdlineOffsets := make([]uint32, len(in.Modules))
		var cmdlines bytes.Buffer
		cmdlineBase := offset + uint64(tail.Len()) + uint64(len(in.Modules))*uint64(sizeofV1Module)
		for i, m := range in.Modules {
			cmdlineOffsets[i] = uint32(cmdlineBase + uint64(cmdlines.Len()))
			cmdlines.Write(cString(m.Cmdline))
		}

		info.ModsAddr = uint32(offset + uint64(tail.Len()))
		for i, m := range in.Modules {
			mod := v1Module{
				Start:   uint32(m.PhysicalBase),
				End:     uint32(m.End()),
				CmdLine: cmdlineOffsets[i],
			}
			binary.Write(&tail, binary.LittleEndian, mod)
		}
		tail.Write(cmdlines.Bytes())
	}

	memLowerKiB, memUpperKiB := basicMemInfo(in.MemoryMap)
	info.Flags |= v1FlagMemory
	info.MemLower = memLowerKiB
	info.MemUpper = memUpperKiB

	info.Flags |= v1FlagMemMap
	info.MmapAddr = uint32(offset + uint64(tail.Len()))
	mmapStart := tail.Len()
	for _, d := range in.MemoryMap.Entries {
		entry := v1MmapEntry{
			Size:     sizeofV1MmapEntry,
			BaseAddr: d.PhysicalStart,
			Length:   d.NumberOfPages * firmware.PageSize,
			Type:     classifyMemType(d.Type),
		}
		binary.Write(&tail, binary.LittleEndian, entry)
	}
	info.MmapLength = uint32(tail.Len() - mmapStart)

	if in.Kernel.IsELF && len(in.Kernel.ELFSections) > 0 {
		shdrAddr := uint32(offset + uint64(tail.Len()))
		tail.Write(in.Kernel.ELFSections)

		info.Flags |= v1FlagElfSHDR
		// Syms doubles as the elf_sec quad {num, size, addr, shndx} when
		// v1FlagElfSHDR is set, per the Multiboot 1 spec; shndx (the string
		// table section index) is not tracked by kernel.LoadedKernel and is
		// left 0, matching section-less consumers that ignore it.
		info.Syms[0] = uint32(len(in.Kernel.ELFSections)) / elfSectionEntrySize(in.Kernel)
		info.Syms[1] = elfSectionEntrySize(in.Kernel)
		info.Syms[2] = shdrAddr
		info.Syms[3] = 0
	}

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, info); err != nil {
		return nil, err
	}
	out.Write(tail.Bytes())
	return out.Bytes(), nil
}
