package module

// See kernel/export_test.go: tests run in an ordinary OS process, so the
// module physical addresses built by the Fake allocator are not safely
// dereferenceable. Replace the unsafe.Slice-backed writer with a
// bookkeeping stub for the duration of the test binary.
func init() {
	copyModuleImpl = func(physAddr uint64, data []byte) {
		CopyLog = append(CopyLog, CopyCall{PhysAddr: physAddr, Size: len(data)})
	}
}

// CopyCall records one call the stubbed copyModuleImpl observed.
type CopyCall struct {
	PhysAddr uint64
	Size     int
}

// CopyLog accumulates every CopyCall observed since the test binary started.
var CopyLog []CopyCall
