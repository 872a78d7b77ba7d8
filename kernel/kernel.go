// Package kernel implements the Kernel Loader (C3): turning the kernel's
// raw bytes and a decoded Multiboot header into physically staged segments,
// via the aout-kludge direct-address path or a from-scratch ELF32/64
// PT_LOAD loader built on debug/elf.
//
// The aout-kludge arithmetic is grounded on n-canter-u-root's
// pkg/multiboot/header.go and multiboot.go (m.mem.LoadElfSegments); the
// general "parse binary, stage segments into allocator-owned memory" shape
// follows build/sgxs/sgxs.go's ELF-to-SGXS conversion even though the ELF
// parsing itself is ours, since sgxs shells out to an external tool and we
// cannot.
package kernel

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/booterr"
	"github.com/hhuOS/towboot/header"
	"github.com/hhuOS/towboot/memory"
)

// Mode is the CPU mode the kernel expects control handed to it in.
type Mode int

// CPU modes, per spec §4.3.
const (
	ModeI386_32 Mode = iota
	ModeAMD64_64
	ModeEFI32
	ModeEFI64
)

func (m Mode) String() string {
	switch m {
	case ModeAMD64_64:
		return "amd64_64"
	case ModeEFI32:
		return "efi32"
	case ModeEFI64:
		return "efi64"
	default:
		return "i386_32"
	}
}

// Segment is one loaded, physically staged chunk of the kernel image.
type Segment struct {
	PhysicalBase uint64
	VirtualBase  uint64
	FileBytes    uint64
	MemSize      uint64

	// data is the slice of the original image backing FileBytes; it is
	// not part of the public LoadedKernel contract (spec's Segment tuple
	// is (physical_base, virtual_base, file_bytes, mem_size)) but Stage
	// needs it to perform the actual copy.
	data []byte
}

// LoadedKernel is the C3 output: everything C5 and C6 need to describe and
// jump to the kernel.
type LoadedKernel struct {
	EntryPoint  uint64
	IsELF       bool
	Mode        Mode
	Segments    []Segment
	ELFSections []byte // section header table re-encoded for tag 7 (sh_name written as 0); nil if not ELF
}

// below4GiB mirrors memory.fourGiB without exporting it from that package.
const below4GiB = uint64(1) << 32

// Load parses the kernel image per the C3 decision tree of spec §4.3 and
// returns the segment layout without touching firmware memory. Call Stage
// to actually allocate and copy.
func Load(image []byte, hdr header.Header, quirks bootconfig.Quirks) (*LoadedKernel, error) {
	if hdr.Version == header.V1 && hdr.V1 != nil && hdr.V1.AoutKludge && quirks&bootconfig.ForceElf == 0 {
		return loadAoutKludge(image, hdr)
	}
	return loadELF(image, hdr)
}

func loadAoutKludge(image []byte, hdr header.Header) (*LoadedKernel, error) {
	v1 := hdr.V1
	if v1.LoadAddr > v1.LoadEndAddr || v1.LoadEndAddr > v1.BssEndAddr {
		return nil, fmt.Errorf("%w: aout-kludge addresses out of order", booterr.ErrHeaderMalformed)
	}

	fileStart := hdr.Offset - int(v1.HeaderAddr-v1.LoadAddr)
	fileSize := int(v1.LoadEndAddr - v1.LoadAddr)
	if fileStart < 0 || fileSize < 0 || fileStart+fileSize > len(image) {
		return nil, fmt.Errorf("%w: aout-kludge file range out of bounds", booterr.ErrHeaderMalformed)
	}

	return &LoadedKernel{
		EntryPoint: uint64(v1.EntryAddr),
		IsELF:      false,
		Mode:       ModeI386_32,
		Segments: []Segment{{
			PhysicalBase: uint64(v1.LoadAddr),
			VirtualBase:  uint64(v1.LoadAddr),
			FileBytes:    uint64(fileSize),
			MemSize:      uint64(v1.BssEndAddr - v1.LoadAddr),
			data:         image[fileStart : fileStart+fileSize],
		}},
	}, nil
}

func loadELF(image []byte, hdr header.Header) (*LoadedKernel, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", booterr.ErrElfMalformed, err)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: only little-endian ELF kernels are supported", booterr.ErrElfMalformed)
	}

	is64 := f.Class == elf.ELFCLASS64

	var segments []Segment
	below4 := !is64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if below4 && prog.Paddr+prog.Memsz > below4GiB {
			return nil, fmt.Errorf("%w: 32-bit kernel segment exceeds 4 GiB", booterr.ErrElfMalformed)
		}
		if prog.Off+prog.Filesz > uint64(len(image)) {
			return nil, fmt.Errorf("%w: PT_LOAD file range out of bounds", booterr.ErrElfMalformed)
		}
		segments = append(segments, Segment{
			PhysicalBase: prog.Paddr,
			VirtualBase:  prog.Vaddr,
			FileBytes:    prog.Filesz,
			MemSize:      prog.Memsz,
			data:         image[prog.Off : prog.Off+prog.Filesz],
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no PT_LOAD segments", booterr.ErrElfMalformed)
	}

	mode := deriveMode(hdr, is64)

	var sectionTable []byte
	if len(f.Sections) > 0 {
		sectionTable = encodeSectionHeaders(f, is64)
	}

	return &LoadedKernel{
		EntryPoint:  f.Entry,
		IsELF:       true,
		Mode:        mode,
		Segments:    segments,
		ELFSections: sectionTable,
	}, nil
}

// deriveMode implements spec §4.3's mode-derivation rule: V2 EFI entry tags
// take priority over the ELF class, and an explicit protected-mode entry
// tag always means i386_32.
func deriveMode(hdr header.Header, is64 bool) Mode {
	if hdr.Version == header.V2 && hdr.V2 != nil {
		if t := hdr.V2.Find(header.TagEntryAddressEFI64); t != nil {
			return ModeEFI64
		}
		if t := hdr.V2.Find(header.TagEntryAddressEFI32); t != nil {
			return ModeEFI32
		}
		if t := hdr.V2.Find(header.TagEntryAddress); t != nil {
			return ModeI386_32
		}
	}
	if is64 {
		return ModeAMD64_64
	}
	return ModeI386_32
}

// encodeSectionHeaders re-serializes the section header table for the ELF
// sections info tag (spec §4.5 tag 7). debug/elf does not expose the raw
// table bytes, so we re-encode from the parsed Sections slice. The parsed
// sections carry names as strings, not string-table offsets, so every
// entry's sh_name field is written as 0.
func encodeSectionHeaders(f *elf.File, is64 bool) []byte {
	var buf bytes.Buffer
	for _, s := range f.Sections {
		if is64 {
			raw := struct {
				Name, Type         uint32
				Flags, Addr        uint64
				Offset, Size       uint64
				Link, Info         uint32
				Addralign, Entsize uint64
			}{
				Type:      uint32(s.Type),
				Flags:     uint64(s.Flags),
				Addr:      s.Addr,
				Offset:    s.Offset,
				Size:      s.Size,
				Link:      s.Link,
				Info:      s.Info,
				Addralign: s.Addralign,
				Entsize:   s.Entsize,
			}
			_ = binary.Write(&buf, binary.LittleEndian, raw)
		} else {
			raw := struct {
				Name, Type         uint32
				Flags, Addr        uint32
				Offset, Size       uint32
				Link, Info         uint32
				Addralign, Entsize uint32
			}{
				Type:      uint32(s.Type),
				Flags:     uint32(s.Flags),
				Addr:      uint32(s.Addr),
				Offset:    uint32(s.Offset),
				Size:      uint32(s.Size),
				Link:      s.Link,
				Info:      s.Info,
				Addralign: uint32(s.Addralign),
				Entsize:   uint32(s.Entsize),
			}
			_ = binary.Write(&buf, binary.LittleEndian, raw)
		}
	}
	return buf.Bytes()
}

// Stage allocates physical memory for every segment of lk via the Memory
// Stager and copies the kernel's bytes into it, zeroing the BSS tail.
func Stage(lk *LoadedKernel, stager *memory.Stager, quirks bootconfig.Quirks) error {
	forceOverwrite := quirks&bootconfig.ForceOverwrite != 0

	for i := range lk.Segments {
		seg := &lk.Segments[i]
		pages := memory.PagesFor(seg.MemSize)
		if pages == 0 {
			continue
		}

		if _, err := stager.AllocateAt(pages, seg.PhysicalBase, memory.KindKernelCode, forceOverwrite); err != nil {
			return err
		}

		copySegment(seg.PhysicalBase, seg.data, seg.MemSize)
	}
	return nil
}

// copySegment writes a segment's file bytes to its staged physical address
// and zeroes the remainder up to MemSize. UEFI identity-maps all usable
// physical memory during Boot Services, so a physical address doubles as a
// directly dereferenceable pointer; copySegmentImpl is the boundary tests
// replace to observe writes without touching real memory.
func copySegment(physAddr uint64, fileBytes []byte, memSize uint64) {
	copySegmentImpl(physAddr, fileBytes, memSize)
}

var copySegmentImpl = func(physAddr uint64, fileBytes []byte, memSize uint64) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(physAddr))), memSize)
	n := copy(dst, fileBytes)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
