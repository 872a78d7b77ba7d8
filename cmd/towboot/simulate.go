package towboot

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/bootinfo"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/handover"
	"github.com/hhuOS/towboot/header"
	"github.com/hhuOS/towboot/kernel"
	"github.com/hhuOS/towboot/memory"
	"github.com/hhuOS/towboot/module"
)

var (
	simulateKernelPath string
	simulateConfigPath string
	simulateDryRun     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the boot core end-to-end against an in-memory firmware.Fake",
	Long: `simulate drives the full C2 (header scan) through C6 (handover) pipeline
against firmware.Fake instead of real hardware, for local iteration on the
core without a UEFI shell or VM.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKernelPath, "kernel", "", "path to a kernel image")
	simulateCmd.Flags().StringVar(&simulateConfigPath, "config", "", "path to a YAML boot-entry fixture")
	simulateCmd.Flags().BoolVar(&simulateDryRun, "dry-run", false, "print the staged memory/module table instead of handing over")
	_ = simulateCmd.MarkFlagRequired("kernel")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	kernelBytes, err := os.ReadFile(simulateKernelPath)
	if err != nil {
		return fmt.Errorf("towboot: reading kernel: %w", err)
	}

	entry, err := loadEntry(kernelBytes)
	if err != nil {
		return err
	}

	fw := firmware.NewFake()
	stager := memory.NewStager(fw)

	hdr, err := header.Scan(entry.Kernel, entry.Quirks.Has(bootconfig.ForceElf))
	if err != nil {
		return fmt.Errorf("towboot: header scan: %w", err)
	}
	logf("scanned header: version=%v offset=%d", hdr.Version, hdr.Offset)

	lk, err := kernel.Load(entry.Kernel, hdr, entry.Quirks)
	if err != nil {
		return fmt.Errorf("towboot: kernel load: %w", err)
	}
	if err := kernel.Stage(lk, stager, entry.Quirks); err != nil {
		return fmt.Errorf("towboot: kernel stage: %w", err)
	}
	logf("staged kernel: mode=%v entry=0x%x segments=%d", lk.Mode, lk.EntryPoint, len(lk.Segments))

	kernelIs32 := lk.Mode == kernel.ModeI386_32 || lk.Mode == kernel.ModeEFI32
	loadedMods, err := module.LoadAll(entry.Modules, stager, entry.Quirks, kernelIs32)
	if err != nil {
		return fmt.Errorf("towboot: module load: %w", err)
	}

	rsdpV1, rsdpV2 := bootinfo.LocateRSDP(stager.Firmware())
	smbios, smbios3 := bootinfo.LocateSMBIOS(stager.Firmware())

	if simulateDryRun {
		printDryRunTable(stager, lk, loadedMods)
		return nil
	}

	in := bootinfo.Inputs{
		Header:          hdr,
		Kernel:          lk,
		Modules:         loadedMods,
		Cmdline:         entry.Cmdline,
		Quirks:          entry.Quirks,
		RSDPv1:          rsdpV1,
		RSDPv2:          rsdpV2,
		SMBIOS:          smbios,
		SMBIOS3:         smbios3,
		SystemTableAddr: stager.Firmware().SystemTable(),
		ImageHandleAddr: stager.Firmware().ImageHandle(),
	}

	// Snapshot the map now so the draft buffer Stage allocates against is
	// sized close to its final shape; Finalize rewrites the memory-map-
	// dependent fields once Handover captures the authoritative snapshot.
	mm0, err := stager.Snapshot()
	if err != nil {
		return fmt.Errorf("towboot: memory map snapshot: %w", err)
	}
	in.MemoryMap = mm0

	infoAddr, infoCap, err := bootinfo.Stage(in, hdr.Version, stager)
	if err != nil {
		return fmt.Errorf("towboot: staging boot information: %w", err)
	}
	logf("staged boot information: addr=0x%x capacity=%d", infoAddr, infoCap)

	tramp := &handover.FakeTrampoline{}
	ho := handover.New(stager.Firmware(), tramp)

	magic := multibootBootMagic(hdr)

	finalize := func(mm firmware.MemoryMap) {
		in.MemoryMap = mm
		if err := bootinfo.Finalize(in, hdr.Version, infoAddr, infoCap); err != nil {
			logf("towboot: finalizing boot information failed: %v", err)
		}
	}

	if entry.Quirks.Has(bootconfig.DontExitBootServices) {
		finalize(mm0)
	}

	if err := ho.Execute(lk, magic, infoAddr, entry.Quirks, finalize); err != nil {
		return fmt.Errorf("towboot: handover: %w", err)
	}

	logf("handover complete: state=%v info_addr=0x%x", ho.State(), infoAddr)
	return nil
}

func multibootBootMagic(hdr header.Header) uint32 {
	if hdr.Version == header.V2 {
		return header.V2BootMagic
	}
	return header.V1BootMagic
}

// loadEntry builds a bootconfig.Entry either from a YAML fixture (--config)
// or, absent one, directly from the kernel bytes with defaults.
func loadEntry(kernelBytes []byte) (*bootconfig.Entry, error) {
	if simulateConfigPath == "" {
		return &bootconfig.Entry{Kernel: kernelBytes, Cmdline: ""}, nil
	}

	raw, err := os.ReadFile(simulateConfigPath)
	if err != nil {
		return nil, fmt.Errorf("towboot: reading config fixture: %w", err)
	}
	var decoded map[string]any
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("towboot: parsing config fixture: %w", err)
	}
	decoded["kernel"] = kernelBytes

	entry, err := bootconfig.Decode(decoded)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func printDryRunTable(stager *memory.Stager, lk *kernel.LoadedKernel, mods []module.LoadedModule) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Kind", "Base", "Size", "End"})
	for _, a := range stager.Live() {
		table.Append([]string{
			string(a.Kind),
			fmt.Sprintf("0x%x", a.Base),
			fmt.Sprintf("%d", a.Size()),
			fmt.Sprintf("0x%x", a.End()),
		})
	}
	table.Render()

	fmt.Printf("\nkernel entry: 0x%x mode: %v\n", lk.EntryPoint, lk.Mode)
	for _, m := range mods {
		fmt.Printf("module %q at 0x%x (%d bytes)\n", m.Cmdline, m.PhysicalBase, m.Size)
	}
}
