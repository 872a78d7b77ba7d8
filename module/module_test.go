package module_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hhuOS/towboot/bootconfig"
	"github.com/hhuOS/towboot/firmware"
	"github.com/hhuOS/towboot/memory"
	"github.com/hhuOS/towboot/module"
)

func TestLoadAllTwoModulesBelow200Mb(t *testing.T) {
	fw := firmware.NewFake()
	stager := memory.NewStager(fw)

	mods := []bootconfig.Module{
		{Bytes: make([]byte, 8<<20), Cmdline: "first"},
		{Bytes: make([]byte, 16<<20), Cmdline: "second"},
	}

	loaded, err := module.LoadAll(mods, stager, bootconfig.ModulesBelow200Mb, false)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	ceiling := uint64(200) << 20
	for _, m := range loaded {
		require.Less(t, m.End(), ceiling)
	}

	require.Equal(t, "first", loaded[0].Cmdline)
	require.Equal(t, "second", loaded[1].Cmdline)
}

func TestLoadAllPreservesOrder(t *testing.T) {
	fw := firmware.NewFake()
	stager := memory.NewStager(fw)

	mods := []bootconfig.Module{
		{Bytes: []byte("a"), Cmdline: "mod-a"},
		{Bytes: []byte("b"), Cmdline: "mod-b"},
		{Bytes: []byte("c"), Cmdline: "mod-c"},
	}

	loaded, err := module.LoadAll(mods, stager, 0, false)
	require.NoError(t, err)
	require.Equal(t, []string{"mod-a", "mod-b", "mod-c"}, []string{
		loaded[0].Cmdline, loaded[1].Cmdline, loaded[2].Cmdline,
	})
}

func TestLoadAllDisjointAllocations(t *testing.T) {
	fw := firmware.NewFake()
	stager := memory.NewStager(fw)

	mods := []bootconfig.Module{
		{Bytes: make([]byte, 4096), Cmdline: "one"},
		{Bytes: make([]byte, 4096), Cmdline: "two"},
	}

	_, err := module.LoadAll(mods, stager, 0, false)
	require.NoError(t, err)

	live := stager.Live()
	require.Len(t, live, 2)
	require.False(t, live[0].Base < live[1].End() && live[1].Base < live[0].End())
}
