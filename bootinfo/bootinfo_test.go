package bootinfo_test

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wI2L/jsondiff"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/bootinfo"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/kernel"
	"github.com/hhuOS/towboot/module"
)

func sampleInputs() bootinfo.Inputs {
	return bootinfo.Inputs{
		Kernel:  &kernel.LoadedKernel{Mode: kernel.ModeAMD64_64, IsELF: true},
		Modules: []module.LoadedModule{{PhysicalBase: 0x200000, Size: 4096, Cmdline: "initrd"}},
		Cmdline: "console=ttyS0 root=/dev/sda1",
		MemoryMap: firmware.MemoryMap{
			Entries: []firmware.MemoryDescriptor{
				{Type: firmware.MemoryConventional, PhysicalStart: 0, NumberOfPages: 160},       // < 640KiB
				{Type: firmware.MemoryConventional, PhysicalStart: 1 << 20, NumberOfPages: 1024}, // starts at 1MiB
			},
		},
		SystemTableAddr: 0xDEAD0000,
	}
}

// walks a decoded V2 tag stream, returning (type, payload) pairs in order.
func walkTags(t *testing.T, buf []byte) []struct {
	Type    uint16
	Payload []byte
} {
	t.Helper()
	require.GreaterOrEqual(t, len(buf), 8)

	totalSize := binary.LittleEndian.Uint32(buf[0:])
	require.Equal(t, int(totalSize), len(buf))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(buf[4:]))

	var tags []struct {
		Type    uint16
		Payload []byte
	}
	off := 8
	for off+8 <= len(buf) {
		typ := binary.LittleEndian.Uint16(buf[off:])
		size := binary.LittleEndian.Uint32(buf[off+4:])
		require.GreaterOrEqual(t, int(size), 8)
		payload := buf[off+8 : off+int(size)]
		tags = append(tags, struct {
			Type    uint16
			Payload []byte
		}{typ, payload})
		if typ == 0 {
			break
		}
		padded := (int(size) + 7) &^ 7
		off += padded
	}
	return tags
}

func TestBuildV2TagOrderAndEndTag(t *testing.T) {
	buf, err := bootinfo.BuildV2(sampleInputs())
	require.NoError(t, err)

	tags := walkTags(t, buf)
	require.NotEmpty(t, tags)

	// cmdline must be first, end tag must be last.
	require.Equal(t, uint16(1), tags[0].Type)
	require.Equal(t, uint16(0), tags[len(tags)-1].Type)
	require.Len(t, tags[len(tags)-1].Payload, 0)
}

func TestBuildV2CmdlineRoundTrips(t *testing.T) {
	in := sampleInputs()
	buf, err := bootinfo.BuildV2(in)
	require.NoError(t, err)

	tags := walkTags(t, buf)
	got := string(tags[0].Payload[:len(tags[0].Payload)-1]) // strip NUL

	want := in.Cmdline
	gotJSON, _ := json.Marshal(map[string]string{"cmdline": got})
	wantJSON, _ := json.Marshal(map[string]string{"cmdline": want})
	patch, err := jsondiff.CompareJSON(wantJSON, gotJSON)
	require.NoError(t, err)
	require.Empty(t, patch, "emitted cmdline tag must round-trip exactly")
}

func TestBuildV2EveryTagEightByteAligned(t *testing.T) {
	buf, err := bootinfo.BuildV2(sampleInputs())
	require.NoError(t, err)

	off := 8
	for off+8 <= len(buf) {
		require.Zero(t, off%8, "tag at offset %d is not 8-byte aligned", off)
		size := binary.LittleEndian.Uint32(buf[off+4:])
		typ := binary.LittleEndian.Uint16(buf[off:])
		if typ == 0 {
			break
		}
		off += (int(size) + 7) &^ 7
	}
}

func TestBuildV2ModulesPreserveOrder(t *testing.T) {
	in := sampleInputs()
	in.Modules = []module.LoadedModule{
		{PhysicalBase: 0x100000, Size: 4096, Cmdline: "first"},
		{PhysicalBase: 0x200000, Size: 4096, Cmdline: "second"},
	}
	buf, err := bootinfo.BuildV2(in)
	require.NoError(t, err)

	tags := walkTags(t, buf)
	var moduleCmdlines []string
	for _, tg := range tags {
		if tg.Type == 3 {
			// payload: mod_start(4) mod_end(4) cmdline(NUL-terminated)
			cmdline := string(tg.Payload[8 : len(tg.Payload)-1])
			moduleCmdlines = append(moduleCmdlines, cmdline)
		}
	}
	require.Equal(t, []string{"first", "second"}, moduleCmdlines)
}

func TestBuildV2DontExitBootServicesAddsEFITags(t *testing.T) {
	in := sampleInputs()
	in.Quirks = bootconfig.DontExitBootServices
	in.ImageHandleAddr = 0xCAFE0000

	buf, err := bootinfo.BuildV2(in)
	require.NoError(t, err)
	tags := walkTags(t, buf)

	var sawImageHandle, sawEFIMmap bool
	for _, tg := range tags {
		if tg.Type == 20 {
			sawImageHandle = true
		}
		if tg.Type == 17 {
			sawEFIMmap = true
		}
	}
	require.True(t, sawImageHandle)
	require.True(t, sawEFIMmap)
}

func TestBuildV1IncludesModulesAndCmdline(t *testing.T) {
	in := sampleInputs()
	buf, err := bootinfo.BuildV1(in, 0x90000)
	require.NoError(t, err)
	require.NotEmpty(t, buf)

	// Fixed mbi layout: flags@0, cmdline@16, mods_count@20.
	flags := binary.LittleEndian.Uint32(buf[0:])
	require.NotZero(t, flags&(1<<2), "cmdline flag must be set")
	require.NotZero(t, flags&(1<<3), "mods flag must be set")
	require.Equal(t, uint32(len(in.Modules)), binary.LittleEndian.Uint32(buf[20:]))

	cmdlineOff := int(binary.LittleEndian.Uint32(buf[16:])) - 0x90000
	require.Equal(t, in.Cmdline, string(buf[cmdlineOff:cmdlineOff+len(in.Cmdline)]))
}

func TestLocateRSDPHandlesAbsence(t *testing.T) {
	fw := firmware.NewFake()
	v1, v2 := bootinfo.LocateRSDP(fw)
	require.Nil(t, v1)
	require.Nil(t, v2)
}

func TestLocateRSDPCopiesConfigTable(t *testing.T) {
	fw := firmware.NewFake()
	raw := make([]byte, 20)
	copy(raw, []byte("RSD PTR "))
	fw.ConfigTables[firmware.ACPI10TableGUID] = raw

	v1, _ := bootinfo.LocateRSDP(fw)
	require.Equal(t, raw, v1)
}
