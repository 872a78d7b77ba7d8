package kernel

// Tests run in an ordinary OS process, not under UEFI Boot Services, so the
// segment physical addresses built in kernel_test.go (e.g. 0x100000) are not
// safely dereferenceable here. Replace the unsafe.Slice-backed writer with a
// bookkeeping stub for the duration of the test binary; production builds
// never link this file.
func init() {
	copySegmentImpl = func(physAddr uint64, fileBytes []byte, memSize uint64) {
		CopyLog = append(CopyLog, CopyCall{PhysAddr: physAddr, FileBytes: len(fileBytes), MemSize: memSize})
	}
}

// CopyCall records one call the stubbed copySegmentImpl observed.
type CopyCall struct {
	PhysAddr  uint64
	FileBytes int
	MemSize   uint64
}

// CopyLog accumulates every CopyCall observed since the test binary started.
var CopyLog []CopyCall
