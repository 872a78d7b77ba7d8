package bootinfo

// See kernel/export_test.go: tests run in an ordinary OS process, so the
// physical addresses the Memory Stager's Fake backend hands out are not
// safely dereferenceable here. Replace the unsafe.Slice-backed writer with
// a bookkeeping stub for the duration of the test binary.
func init() {
	copyInfoImpl = func(physAddr uint64, data []byte) {
		CopyLog = append(CopyLog, CopyCall{PhysAddr: physAddr, Size: len(data)})
	}
}

// CopyCall records one call the stubbed copyInfoImpl observed.
type CopyCall struct {
	PhysAddr uint64
	Size     int
}

// CopyLog accumulates every CopyCall observed since the test binary started.
var CopyLog []CopyCall
