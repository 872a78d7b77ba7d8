// Package header implements the Header Scanner (C2): locating and decoding
// a Multiboot 1 or Multiboot 2 header inside raw kernel bytes.
//
// The V1 scan loop and checksum law are grounded on
// n-canter-u-root/pkg/multiboot/header.go; the V2 tag model (tag type
// enumeration, framebuffer/memory-map shapes) is grounded on the gopher-os
// reference multiboot readers, adapted from a kernel-side parser into a
// bootloader-side header scanner.
package header

import (
	"encoding/binary"

	"github.com/hhuOS/towboot/booterr"
)

// Version discriminates the two Multiboot header formats.
type Version int

// Header versions.
const (
	V1 Version = iota
	V2
)

// Magic values, bit-exact per spec §6.
const (
	V1HeaderMagic = 0x1BADB002
	V1BootMagic   = 0x2BADB002
	V2HeaderMagic = 0xE85250D6
	V2BootMagic   = 0x36D76289
	ArchI386      = 0
)

// V1 flag bits.
const (
	flagPageAlign  uint32 = 1 << 0
	flagMemoryInfo uint32 = 1 << 1
	flagVideoMode  uint32 = 1 << 2
	flagAoutKludge uint32 = 1 << 16
)

// VideoModeRequest is the optional V1 video-mode block.
type VideoModeRequest struct {
	ModeType uint32
	Width    uint32
	Height   uint32
	Depth    uint32
}

// V1Header is the decoded Multiboot 1 header.
type V1Header struct {
	Flags    uint32
	Checksum uint32

	AoutKludge  bool
	HeaderAddr  uint32
	LoadAddr    uint32
	LoadEndAddr uint32
	BssEndAddr  uint32
	EntryAddr   uint32

	WantsVideoMode bool
	Video          VideoModeRequest
}

// PageAlignRequested reports whether the kernel asked modules to be
// loaded page-aligned (flagPageAlign).
func (h *V1Header) PageAlignRequested() bool { return h.Flags&flagPageAlign != 0 }

// WantsMemoryInfo reports whether the kernel wants mem_lower/mem_upper.
func (h *V1Header) WantsMemoryInfo() bool { return h.Flags&flagMemoryInfo != 0 }

// TagKind enumerates the Multiboot 2 header tag types this scanner
// understands (spec §3).
type TagKind uint16

// Multiboot 2 header tag types.
const (
	TagEnd TagKind = iota
	TagInformationRequest
	TagAddress
	TagEntryAddress
	TagConsoleFlags
	TagFramebuffer
	TagModuleAlign
	TagEFIBootServices
	TagEntryAddressEFI32
	TagEntryAddressEFI64
	TagRelocatable
)

// AddressFields carries the Address tag's payload.
type AddressFields struct {
	HeaderAddr   uint32
	LoadAddr     uint32
	LoadEndAddr  uint32
	BssEndAddr   uint32
}

// FramebufferRequest carries the Framebuffer tag's payload.
type FramebufferRequest struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

// RelocatableFields carries the Relocatable tag's payload.
type RelocatableFields struct {
	MinAddr     uint32
	MaxAddr     uint32
	Align       uint32
	Preference  uint32
}

// Tag is one decoded Multiboot 2 header tag.
type Tag struct {
	Kind     TagKind
	Optional bool // bit 0 of the tag's flags field

	InformationRequest []uint32
	Address            AddressFields
	EntryAddress       uint32
	EntryAddressEFI32  uint32
	EntryAddressEFI64  uint64
	ConsoleFlags       uint32
	Framebuffer        FramebufferRequest
	Relocatable        RelocatableFields
}

// V2Header is the decoded Multiboot 2 header.
type V2Header struct {
	Length uint32
	Tags   []Tag
}

// Find returns the tag of the given kind, or nil if absent.
func (h *V2Header) Find(kind TagKind) *Tag {
	for i := range h.Tags {
		if h.Tags[i].Kind == kind {
			return &h.Tags[i]
		}
	}
	return nil
}

// ModuleAlignRequested reports whether a module_align tag is present.
func (h *V2Header) ModuleAlignRequested() bool { return h.Find(TagModuleAlign) != nil }

// Header is the discriminated MultibootHeader variant of spec §3.
type Header struct {
	Version Version
	// Offset is the byte offset of the header within the kernel image,
	// needed by the aout-kludge load path to locate file contents.
	Offset int

	V1 *V1Header
	V2 *V2Header
}

const (
	v2ScanWindow = 32 * 1024
	v1ScanWindow = 8 * 1024
	v2MaxLength  = 32768
	v1MandatorySize = 12 // magic, flags, checksum
	v1OptionalSize  = 9 * 4
)

// Scan implements the Header Scanner algorithm of spec §4.2. If neither
// magic is found and forceElf is true, a degenerate V1 header describing a
// pure ELF kernel is synthesized instead of returning NoMultibootHeader.
func Scan(image []byte, forceElf bool) (Header, error) {
	if hdr, ok := scanV2(image); ok {
		return hdr, nil
	}
	if hdr, ok := scanV1(image); ok {
		return hdr, nil
	}
	if forceElf {
		return Header{
			Version: V1,
			Offset:  -1,
			V1:      &V1Header{},
		}, nil
	}
	return Header{}, booterr.ErrNoMultibootHeader
}

func scanV2(image []byte) (Header, bool) {
	limit := len(image)
	if limit > v2ScanWindow {
		limit = v2ScanWindow
	}
	for off := 0; off+16 <= limit; off += 8 {
		magic := binary.LittleEndian.Uint32(image[off:])
		if magic != V2HeaderMagic {
			continue
		}
		arch := binary.LittleEndian.Uint32(image[off+4:])
		length := binary.LittleEndian.Uint32(image[off+8:])
		checksum := binary.LittleEndian.Uint32(image[off+12:])
		if arch != ArchI386 {
			continue
		}
		if length == 0 || length > v2MaxLength || off+int(length) > len(image) {
			continue
		}
		sum := magic + arch + length + checksum
		if sum != 0 {
			continue
		}
		tags, ok := parseV2Tags(image[off+16 : off+int(length)])
		if !ok {
			continue
		}
		return Header{Version: V2, Offset: off, V2: &V2Header{Length: length, Tags: tags}}, true
	}
	return Header{}, false
}

func align8(n int) int { return (n + 7) &^ 7 }

func parseV2Tags(buf []byte) ([]Tag, bool) {
	var tags []Tag
	off := 0
	sawEnd := false
	for off+8 <= len(buf) {
		typ := binary.LittleEndian.Uint16(buf[off:])
		flags := binary.LittleEndian.Uint16(buf[off+2:])
		size := binary.LittleEndian.Uint32(buf[off+4:])
		if size < 8 || off+int(size) > len(buf) {
			return nil, false
		}
		payload := buf[off+8 : off+int(size)]

		kind := TagKind(typ)
		tag := Tag{Kind: kind, Optional: flags&1 != 0}
		switch kind {
		case TagEnd:
			if size != 8 {
				return nil, false
			}
			tags = append(tags, tag)
			sawEnd = true
		case TagAddress:
			if len(payload) < 16 {
				return nil, false
			}
			tag.Address = AddressFields{
				HeaderAddr:  binary.LittleEndian.Uint32(payload[0:]),
				LoadAddr:    binary.LittleEndian.Uint32(payload[4:]),
				LoadEndAddr: binary.LittleEndian.Uint32(payload[8:]),
				BssEndAddr:  binary.LittleEndian.Uint32(payload[12:]),
			}
			tags = append(tags, tag)
		case TagEntryAddress:
			if len(payload) < 4 {
				return nil, false
			}
			tag.EntryAddress = binary.LittleEndian.Uint32(payload[0:])
			tags = append(tags, tag)
		case TagEntryAddressEFI32:
			if len(payload) < 4 {
				return nil, false
			}
			tag.EntryAddressEFI32 = binary.LittleEndian.Uint32(payload[0:])
			tags = append(tags, tag)
		case TagEntryAddressEFI64:
			if len(payload) < 8 {
				return nil, false
			}
			tag.EntryAddressEFI64 = binary.LittleEndian.Uint64(payload[0:])
			tags = append(tags, tag)
		case TagConsoleFlags:
			if len(payload) < 4 {
				return nil, false
			}
			tag.ConsoleFlags = binary.LittleEndian.Uint32(payload[0:])
			tags = append(tags, tag)
		case TagFramebuffer:
			if len(payload) < 12 {
				return nil, false
			}
			tag.Framebuffer = FramebufferRequest{
				Width:  binary.LittleEndian.Uint32(payload[0:]),
				Height: binary.LittleEndian.Uint32(payload[4:]),
				Depth:  binary.LittleEndian.Uint32(payload[8:]),
			}
			tags = append(tags, tag)
		case TagModuleAlign, TagEFIBootServices:
			tags = append(tags, tag)
		case TagRelocatable:
			if len(payload) < 16 {
				return nil, false
			}
			tag.Relocatable = RelocatableFields{
				MinAddr:    binary.LittleEndian.Uint32(payload[0:]),
				MaxAddr:    binary.LittleEndian.Uint32(payload[4:]),
				Align:      binary.LittleEndian.Uint32(payload[8:]),
				Preference: binary.LittleEndian.Uint32(payload[12:]),
			}
			tags = append(tags, tag)
		case TagInformationRequest:
			count := len(payload) / 4
			req := make([]uint32, count)
			for i := 0; i < count; i++ {
				req[i] = binary.LittleEndian.Uint32(payload[i*4:])
			}
			tag.InformationRequest = req
			tags = append(tags, tag)
		default:
			// An unrecognized tag the kernel marked optional is preserved as
			// an opaque entry so callers can still see its presence, per
			// spec §4.2's "tags parse cleanly" requirement, without
			// rejecting forward-looking kernels. Per spec §1's
			// required-vs-accepted distinction, an unrecognized tag without
			// the optional bit set means the kernel requires a feature this
			// scanner does not understand, and the header is rejected
			// rather than silently accepted.
			if !tag.Optional {
				return nil, false
			}
			tags = append(tags, tag)
		}
		if kind == TagEnd {
			break
		}
		off += align8(int(size))
	}
	if !sawEnd {
		return nil, false
	}
	return tags, true
}

func scanV1(image []byte) (Header, bool) {
	limit := len(image)
	if limit > v1ScanWindow {
		limit = v1ScanWindow
	}
	sizeofHeader := v1MandatorySize + v1OptionalSize
	for off := 0; off+v1MandatorySize <= limit; off += 4 {
		magic := binary.LittleEndian.Uint32(image[off:])
		if magic != V1HeaderMagic {
			continue
		}
		flags := binary.LittleEndian.Uint32(image[off+4:])
		checksum := binary.LittleEndian.Uint32(image[off+8:])
		if magic+flags+checksum != 0 {
			continue
		}
		h := &V1Header{Flags: flags, Checksum: checksum}
		if flags&flagAoutKludge != 0 {
			h.AoutKludge = true
			end := off + sizeofHeader
			if end > len(image) {
				// Optional fields run past the buffer; treat as present
				// but zero-padded, matching a truncated-but-checksummed
				// header the way the u-root scanner tolerates a short
				// final read.
				padded := make([]byte, sizeofHeader)
				copy(padded, image[off:])
				h.HeaderAddr = binary.LittleEndian.Uint32(padded[12:])
				h.LoadAddr = binary.LittleEndian.Uint32(padded[16:])
				h.LoadEndAddr = binary.LittleEndian.Uint32(padded[20:])
				h.BssEndAddr = binary.LittleEndian.Uint32(padded[24:])
				h.EntryAddr = binary.LittleEndian.Uint32(padded[28:])
			} else {
				h.HeaderAddr = binary.LittleEndian.Uint32(image[off+12:])
				h.LoadAddr = binary.LittleEndian.Uint32(image[off+16:])
				h.LoadEndAddr = binary.LittleEndian.Uint32(image[off+20:])
				h.BssEndAddr = binary.LittleEndian.Uint32(image[off+24:])
				h.EntryAddr = binary.LittleEndian.Uint32(image[off+28:])
			}
		}
		if flags&flagVideoMode != 0 {
			h.WantsVideoMode = true
			base := off + v1MandatorySize + 20 // after the aout-kludge fields
			if base+16 <= len(image) {
				h.Video = VideoModeRequest{
					ModeType: binary.LittleEndian.Uint32(image[base:]),
					Width:    binary.LittleEndian.Uint32(image[base+4:]),
					Height:   binary.LittleEndian.Uint32(image[base+8:]),
					Depth:    binary.LittleEndian.Uint32(image[base+12:]),
				}
			}
		}
		return Header{Version: V1, Offset: off, V1: h}, true
	}
	return Header{}, false
}
