package kernel_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/header"
	"github.com/hhuOS/towboot/kernel"
	"github.com/hhuOS/towboot/memory"
)

func putU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

// buildAoutKludgeImage constructs the exact scenario from spec §8 end-to-end
// scenario 1: a 64 KiB kernel with header at offset 8.
func buildAoutKludgeImage(t *testing.T) []byte {
	t.Helper()
	img := make([]byte, 64*1024)

	// Fill the file's [0, load_end_addr-load_addr) window, which maps to
	// [load_addr, load_end_addr) once staged, with a recognizable pattern.
	// The header is written afterwards so the pattern does not overwrite it.
	for i := 0; i < 0x10000 && i < len(img); i++ {
		img[i] = byte(i)
	}

	off := 8
	flags := uint32(0x00010003)
	putU32(img, off, header.V1HeaderMagic)
	putU32(img, off+4, flags)
	checksum := -(header.V1HeaderMagic + flags)
	putU32(img, off+8, checksum)
	loadAddr := uint32(0x100000)
	putU32(img, off+12, loadAddr+uint32(off)) // header_addr: where this header lands once loaded at load_addr
	putU32(img, off+16, loadAddr)              // load_addr
	putU32(img, off+20, 0x110000)              // load_end_addr
	putU32(img, off+24, 0x120000)              // bss_end_addr
	putU32(img, off+28, 0x100100)              // entry_addr
	return img
}

func TestLoadAoutKludgeScenario(t *testing.T) {
	img := buildAoutKludgeImage(t)
	hdr, err := header.Scan(img, false)
	require.NoError(t, err)
	require.True(t, hdr.V1.AoutKludge)

	lk, err := kernel.Load(img, hdr, 0)
	require.NoError(t, err)
	require.False(t, lk.IsELF)
	require.Equal(t, kernel.ModeI386_32, lk.Mode)
	require.Equal(t, uint64(0x100100), lk.EntryPoint)
	require.Len(t, lk.Segments, 1)

	seg := lk.Segments[0]
	require.Equal(t, uint64(0x100000), seg.PhysicalBase)
	require.Equal(t, uint64(0x10000), seg.FileBytes)
	require.Equal(t, uint64(0x20000), seg.MemSize)
}

func buildELF64(t *testing.T, entry uint64, paddr uint64) []byte {
	t.Helper()
	var buf bytes.Buffer

	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	text := []byte("this is kernel code\x00padding-to-page-size..........")
	dataOff := phoff + phsize

	// ELF64 header
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0} // ELFCLASS64, little-endian
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_X86_64))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, phoff)
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0)) // flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehsize))
	binary.Write(&buf, binary.LittleEndian, uint16(phsize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shstrndx

	require.Equal(t, ehsize, buf.Len())

	// Program header: PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)           // offset
	binary.Write(&buf, binary.LittleEndian, paddr)             // vaddr
	binary.Write(&buf, binary.LittleEndian, paddr)              // paddr
	binary.Write(&buf, binary.LittleEndian, uint64(len(text))) // filesz
	binary.Write(&buf, binary.LittleEndian, uint64(len(text))) // memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))    // align

	buf.Write(text)
	return buf.Bytes()
}

func TestLoadELF64Scenario(t *testing.T) {
	img := buildELF64(t, 0x200000, 0x200000)
	hdr, err := header.Scan(img, true) // no multiboot header embedded; force ELF treatment
	require.NoError(t, err)

	lk, err := kernel.Load(img, hdr, bootconfig.ForceElf)
	require.NoError(t, err)
	require.True(t, lk.IsELF)
	require.Equal(t, kernel.ModeAMD64_64, lk.Mode)
	require.Equal(t, uint64(0x200000), lk.EntryPoint)
	require.Len(t, lk.Segments, 1)
	require.Equal(t, uint64(0x200000), lk.Segments[0].PhysicalBase)
}

func TestStageAllocatesDisjointRanges(t *testing.T) {
	img := buildAoutKludgeImage(t)
	hdr, err := header.Scan(img, false)
	require.NoError(t, err)

	lk, err := kernel.Load(img, hdr, 0)
	require.NoError(t, err)

	fw := firmware.NewFake()
	stager := memory.NewStager(fw)
	err = kernel.Stage(lk, stager, 0)
	require.NoError(t, err)
	require.Len(t, stager.Live(), 1)
	require.Equal(t, uint64(0x100000), stager.Live()[0].Base)
}

func TestStageForceOverwriteBypassesReservedRegion(t *testing.T) {
	img := buildAoutKludgeImage(t)
	hdr, err := header.Scan(img, false)
	require.NoError(t, err)
	lk, err := kernel.Load(img, hdr, 0)
	require.NoError(t, err)

	fw := firmware.NewFake()
	fw.Reserved = []firmware.MemoryDescriptor{
		{Type: firmware.MemoryReserved, PhysicalStart: 0x100000, NumberOfPages: 64},
	}
	stager := memory.NewStager(fw)

	err = kernel.Stage(lk, stager, 0)
	require.Error(t, err, "without ForceOverwrite the reserved region must block staging")

	err = kernel.Stage(lk, stager, bootconfig.ForceOverwrite)
	require.NoError(t, err)
}
