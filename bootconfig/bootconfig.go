// Package bootconfig decodes a pre-parsed configuration value (a
// map[string]any, as produced by whatever TOML/JSON front-end lexed the
// actual config file) into the typed Entry the core operates on. Lexing and
// parsing configuration files is explicitly out of scope (spec §1); this
// package only covers the arrival point, the same separation the teacher
// draws between viper's format-agnostic ingestion and its own typed Config
// structs.
package bootconfig

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/hhuOS/towboot/booterr"
)

// Quirks is a bitset of the five quirks named in spec §6.
type Quirks uint8

// Individual quirk bits.
const (
	DontExitBootServices Quirks = 1 << iota
	ForceElf
	ForceOverwrite
	KeepResolution
	ModulesBelow200Mb
)

var quirkNames = []struct {
	bit  Quirks
	name string
}{
	{DontExitBootServices, "DontExitBootServices"},
	{ForceElf, "ForceElf"},
	{ForceOverwrite, "ForceOverwrite"},
	{KeepResolution, "KeepResolution"},
	{ModulesBelow200Mb, "ModulesBelow200Mb"},
}

// Has reports whether q contains the bit.
func (q Quirks) Has(bit Quirks) bool { return q&bit != 0 }

// String renders the set quirks, comma-separated, in the canonical order
// of spec §6's table.
func (q Quirks) String() string {
	var names []string
	for _, qn := range quirkNames {
		if q.Has(qn.bit) {
			names = append(names, qn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ParseQuirks turns a list of quirk names (as they'd arrive from a decoded
// config list) into a Quirks bitset, rejecting anything not in spec §6's
// table.
func ParseQuirks(names []string) (Quirks, error) {
	var q Quirks
	for _, n := range names {
		matched := false
		for _, qn := range quirkNames {
			if strings.EqualFold(qn.name, n) {
				q |= qn.bit
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("%w: unknown quirk %q", booterr.ErrConfigurationInvalid, n)
		}
	}
	return q, nil
}

// VideoMode is the optional preferred video mode (width, height, depth).
type VideoMode struct {
	Width  uint32
	Height uint32
	Depth  uint32
}

// Module is one configured auxiliary module: its bytes and command line.
type Module struct {
	Bytes   []byte `mapstructure:"bytes"`
	Cmdline string `mapstructure:"cmdline"`
}

// rawEntry is the mapstructure decode target; Quirks arrives as a string
// list and is converted to the bitset afterward since mapstructure has no
// notion of our bitset type.
type rawEntry struct {
	Kernel    []byte    `mapstructure:"kernel"`
	Cmdline   string    `mapstructure:"cmdline"`
	Modules   []Module  `mapstructure:"modules"`
	Quirks    []string  `mapstructure:"quirks"`
	Video     *VideoMode `mapstructure:"video"`
}

// Entry is a fully resolved boot entry, the core's only input (spec §3).
type Entry struct {
	Kernel  []byte
	Cmdline string
	Modules []Module
	Quirks  Quirks
	Video   *VideoMode
}

// Decode converts a pre-parsed configuration value into an Entry. The value
// is expected to be a map[string]any (or something mapstructure can decode
// from, such as a struct already shaped like rawEntry) produced upstream by
// the external front-end's own config-format parser.
func Decode(raw any) (*Entry, error) {
	var re rawEntry
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &re,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("bootconfig: building decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", booterr.ErrConfigurationInvalid, err)
	}

	if len(re.Kernel) == 0 {
		return nil, fmt.Errorf("%w: kernel bytes are empty", booterr.ErrConfigurationInvalid)
	}

	quirks, err := ParseQuirks(re.Quirks)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Kernel:  re.Kernel,
		Cmdline: re.Cmdline,
		Modules: re.Modules,
		Quirks:  quirks,
		Video:   re.Video,
	}, nil
}
