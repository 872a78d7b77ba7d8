package handover_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/handover"
	"github.com/hhuOS/towboot/kernel"
)

func TestExecuteMemoryMapRetrySucceedsOnSecondAttempt(t *testing.T) {
	fw := firmware.NewFake()
	fw.ExitFailuresBeforeSuccess(1)

	tramp := &handover.FakeTrampoline{}
	h := handover.New(fw, tramp)

	lk := &kernel.LoadedKernel{Mode: kernel.ModeAMD64_64, EntryPoint: 0x200000}

	var snapshots int
	err := h.Execute(lk, 0x36D76289, 0x300000, 0, func(firmware.MemoryMap) { snapshots++ })
	require.NoError(t, err)
	require.Equal(t, handover.HandedOff, h.State())
	require.Equal(t, 2, snapshots, "must re-snapshot once after the first exit_boot_services failure")
	require.Len(t, tramp.Calls, 1)
	require.Equal(t, uint32(0x36D76289), tramp.Calls[0].Magic)
}

func TestExecuteMemoryMapRetryExhaustion(t *testing.T) {
	fw := firmware.NewFake()
	fw.ExitFailuresBeforeSuccess(10) // exceeds the retry bound

	tramp := &handover.FakeTrampoline{}
	h := handover.New(fw, tramp)
	lk := &kernel.LoadedKernel{Mode: kernel.ModeAMD64_64, EntryPoint: 0x200000}

	err := h.Execute(lk, 0x36D76289, 0x300000, 0, nil)
	require.Error(t, err)
	require.Equal(t, handover.Fatal, h.State())
	require.Empty(t, tramp.Calls, "trampoline must never be invoked after retry exhaustion")
}

func TestExecuteDontExitBootServicesSkipsExit(t *testing.T) {
	fw := firmware.NewFake()
	tramp := &handover.FakeTrampoline{}
	h := handover.New(fw, tramp)
	lk := &kernel.LoadedKernel{Mode: kernel.ModeI386_32, EntryPoint: 0x100100}

	called := false
	err := h.Execute(lk, 0x2BADB002, 0x90000, bootconfig.DontExitBootServices, func(firmware.MemoryMap) { called = true })
	require.NoError(t, err)
	require.False(t, called, "finalizeMmap must not run when exit is skipped")
	require.Len(t, tramp.Calls, 1)

	// Boot Services must remain callable: a subsequent allocation must not
	// observe ErrUnrecoverable the way it would after a real exit.
	_, err = fw.AllocatePages(firmware.AllocateAnyPages, firmware.MemoryLoaderData, 1, 0)
	require.NoError(t, err)
}

func TestExecuteJumpRegisterState(t *testing.T) {
	fw := firmware.NewFake()
	tramp := &handover.FakeTrampoline{}
	h := handover.New(fw, tramp)
	lk := &kernel.LoadedKernel{Mode: kernel.ModeI386_32, EntryPoint: 0x100100}

	err := h.Execute(lk, 0x2BADB002, 0x90000, 0, func(firmware.MemoryMap) {})
	require.NoError(t, err)
	require.Len(t, tramp.Calls, 1)
	require.Equal(t, uint32(0x2BADB002), tramp.Calls[0].Magic)
	require.Equal(t, uint64(0x90000), tramp.Calls[0].InfoAddr)
	require.Equal(t, uint64(0x100100), tramp.Calls[0].EntryPoint)
}
