package bootconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/hhuOS/towboot/bootconfig"
)

func TestParseQuirksKnown(t *testing.T) {
	q, err := bootconfig.ParseQuirks([]string{"ForceElf", "modulesbelow200mb"})
	require.NoError(t, err)
	require.True(t, q.Has(bootconfig.ForceElf))
	require.True(t, q.Has(bootconfig.ModulesBelow200Mb))
	require.False(t, q.Has(bootconfig.KeepResolution))
}

func TestParseQuirksUnknown(t *testing.T) {
	_, err := bootconfig.ParseQuirks([]string{"NotAQuirk"})
	require.Error(t, err)
}

func TestQuirksString(t *testing.T) {
	q := bootconfig.DontExitBootServices | bootconfig.ForceElf
	require.Equal(t, "DontExitBootServices,ForceElf", q.String())
	require.Equal(t, "none", bootconfig.Quirks(0).String())
}

func TestDecodeFromYAMLFixture(t *testing.T) {
	const fixture = `
kernel: [127, 69, 76, 70]
cmdline: "console=ttyS0"
quirks: ["ForceElf"]
modules:
  - cmdline: "initrd"
    bytes: [1, 2, 3]
`
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(fixture), &raw))

	entry, err := bootconfig.Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "console=ttyS0", entry.Cmdline)
	require.True(t, entry.Quirks.Has(bootconfig.ForceElf))
	require.Len(t, entry.Modules, 1)
	require.Equal(t, "initrd", entry.Modules[0].Cmdline)
}

func TestDecodeRejectsEmptyKernel(t *testing.T) {
	_, err := bootconfig.Decode(map[string]any{"cmdline": "x"})
	require.Error(t, err)
}
