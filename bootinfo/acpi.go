package bootinfo

import "github.com/hhuOS/towboot/firmware"

// rsdpV1Length is the fixed size of the ACPI 1.0 RSDP (signature, checksum,
// OEM ID, revision, RSDT address).
const rsdpV1Length = 20

// LocateRSDP walks the firmware configuration table for both the ACPI 1.0
// and ACPI 2.0 RSDP GUIDs, grounded on build/measurement/acpi/acpi.go's
// findAcpiTable lookup idiom (scan a known table for a signature, return
// its raw bytes for a verbatim copy into the info structure). Either return
// value may be nil if the firmware does not publish that revision.
func LocateRSDP(fw firmware.Reader) (v1, v2 []byte) {
	if raw, ok := fw.LocateConfigTable(firmware.ACPI10TableGUID); ok {
		v1 = copyRSDP(raw, rsdpV1Length)
	}
	if raw, ok := fw.LocateConfigTable(firmware.ACPI20TableGUID); ok {
		// The ACPI 2.0 RSDP carries its own Length field at offset 20;
		// trust it when present and sane, otherwise fall back to the
		// known-good extended size of 36 bytes.
		length := 36
		if len(raw) >= 24 {
			declared := int(uint32(raw[20]) | uint32(raw[21])<<8 | uint32(raw[22])<<16 | uint32(raw[23])<<24)
			if declared >= rsdpV1Length && declared <= len(raw) {
				length = declared
			}
		}
		v2 = copyRSDP(raw, length)
	}
	return v1, v2
}

func copyRSDP(raw []byte, length int) []byte {
	if len(raw) < length {
		length = len(raw)
	}
	out := make([]byte, length)
	copy(out, raw[:length])
	return out
}

// LocateSMBIOS walks the firmware configuration table for the legacy
// (32-bit) and 3.x (64-bit) SMBIOS entry point structures.
func LocateSMBIOS(fw firmware.Reader) (legacy, v3 []byte) {
	if raw, ok := fw.LocateConfigTable(firmware.SMBIOSTableGUID); ok {
		legacy = append([]byte(nil), raw...)
	}
	if raw, ok := fw.LocateConfigTable(firmware.SMBIOS3TableGUID); ok {
		v3 = append([]byte(nil), raw...)
	}
	return legacy, v3
}
