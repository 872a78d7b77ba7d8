// Package handover implements the Handover state machine (C6): exiting
// UEFI Boot Services atomically against the firmware memory-map key, then
// transferring control to the kernel in the CPU mode and register state its
// Multiboot header dictates.
//
// The "hand a (magic, info_ptr, entry_point) tuple to an architecture
// trampoline and never return" shape is grounded on
// n-canter-u-root/pkg/multiboot/trampoline.go's setupTrampoline, adapted
// from "patch byte labels in a pre-built kexec trampoline blob" to "call a
// Go-declared, assembly-backed trampoline function directly" since this
// core runs in-process under UEFI rather than via Linux kexec.
package handover

import (
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/cpu"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/booterr"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/kernel"
)

// State is a node of the C6 state machine of spec §4.6.
type State int

// States.
const (
	Staged State = iota
	MapAcquired
	ServicesExited
	HandedOff
	Fatal
)

func (s State) String() string {
	switch s {
	case MapAcquired:
		return "MapAcquired"
	case ServicesExited:
		return "ServicesExited"
	case HandedOff:
		return "HandedOff"
	case Fatal:
		return "Fatal"
	default:
		return "Staged"
	}
}

// maxRetries bounds the exit_fail re-snapshot loop at 3 attempts, per spec
// §4.6/§7.
const maxRetries = 3

// Trampoline performs the irreversible architecture-specific jump: set CPU
// state per mode, load the magic/info-pointer into the registers the
// protocol demands, and transfer control to entry. Real implementations
// never return; Fake implementations (tests) record the call instead.
type Trampoline interface {
	Jump(mode kernel.Mode, magic uint32, infoAddr uint64, entryPoint uint64) error
}

// Logf is the package-level logging hook, a plain fmt call rather than a
// structured logging framework. By default it prints every line to stdout
// with no verbosity gate; tests and the dev CLI harness may override it.
var Logf = func(format string, args ...any) { fmt.Printf(format+"\n", args...) }

// Handover drives the C6 state machine for one boot attempt.
type Handover struct {
	fw         firmware.Reader
	trampoline Trampoline

	id    string
	state State
}

// New returns a Handover bound to the given firmware reader and
// trampoline. Each Handover gets a correlation ID (spec's logging is
// otherwise unstructured; the ID lets a multi-attempt retry sequence be
// correlated across log lines).
func New(fw firmware.Reader, trampoline Trampoline) *Handover {
	return &Handover{fw: fw, trampoline: trampoline, id: uuid.NewString(), state: Staged}
}

// State returns the current machine state.
func (h *Handover) State() State { return h.state }

// Execute drives C6 to completion: acquiring the memory map (unless
// DontExitBootServices short-circuits the exit), exiting Boot Services with
// bounded retry, and jumping. finalizeMmap is called with the final
// firmware.MemoryMap snapshot immediately before exit_ok is attempted, so
// the caller (the Info Builder) can finalize the memory-map tag from
// exactly that snapshot, per spec §4.6's request_exit transition and §8
// invariant 5.
func (h *Handover) Execute(lk *kernel.LoadedKernel, magic uint32, infoAddr uint64, quirks bootconfig.Quirks, finalizeMmap func(firmware.MemoryMap)) error {
	if quirks.Has(bootconfig.DontExitBootServices) {
		Logf("[%s] DontExitBootServices set, skipping exit_boot_services", h.id)
		return h.jump(lk, magic, infoAddr)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		mm, err := h.fw.GetMemoryMap()
		if err != nil {
			return fmt.Errorf("[%s] %w: %v", h.id, booterr.ErrUnrecoverable, err)
		}
		h.state = MapAcquired
		if finalizeMmap != nil {
			finalizeMmap(mm)
		}

		err = h.fw.ExitBootServices(mm.MapKey)
		if err == nil {
			h.state = ServicesExited
			return h.jump(lk, magic, infoAddr)
		}

		if attempt == maxRetries-1 {
			h.state = Fatal
			return fmt.Errorf("[%s] %w", h.id, booterr.ErrMemoryMapVolatile)
		}
		Logf("[%s] exit_boot_services failed (attempt %d/%d), re-snapshotting", h.id, attempt+1, maxRetries)
	}
	// Unreachable: the loop above always returns by maxRetries.
	return fmt.Errorf("[%s] %w", h.id, booterr.ErrUnrecoverable)
}

// jump performs mode-specific register setup and delegates the final,
// never-returning call to the Trampoline. Any error here is observed after
// exit_ok may already have succeeded, so it is always Unrecoverable per
// spec §7 — the only safe response thereafter is a halt loop, which the
// caller (cmd/towboot or a production front-end) is responsible for
// entering.
func (h *Handover) jump(lk *kernel.LoadedKernel, magic uint32, infoAddr uint64) error {
	if (lk.Mode == kernel.ModeAMD64_64 || lk.Mode == kernel.ModeEFI64) && !longModeCapable() {
		return fmt.Errorf("[%s] %w: CPU capability probe failed for %s handover", h.id, booterr.ErrUnrecoverable, lk.Mode)
	}

	if err := h.trampoline.Jump(lk.Mode, magic, infoAddr, lk.EntryPoint); err != nil {
		h.state = Fatal
		return fmt.Errorf("[%s] %w: %v", h.id, booterr.ErrUnrecoverable, err)
	}
	h.state = HandedOff
	return nil
}

// longModeCapable is the pre-jump CPU capability probe gating amd64_64 and
// efi64 handover: golang.org/x/sys/cpu exposes no single "long mode" flag,
// so SSE2 — present on every amd64-capable part the Go runtime itself
// targets — stands in for it, refusing the jump rather than executing in a
// mode the CPU cannot run. Swappable so tests can simulate hardware that
// was never actually probed.
var longModeCapable = func() bool {
	return cpu.X86.HasSSE2
}
