// Package towboot is the development/test harness around the boot core:
// a thin spf13/cobra CLI that drives C2-C6 against a firmware.Fake backend
// (or, once wired to real hardware, firmware.Native) for local iteration
// without a UEFI shell. It is not the production disk-image boot menu —
// that CLI front-end and the ESP packaging tool are external collaborators
// per spec's Non-goals — this mirrors the role the teacher's own cmd/
// packages play as thin wrappers around library packages in build/,
// wallet/, etc.
package towboot

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is stamped by the build pipeline via -ldflags, following the
// teacher's own version-variable convention in main.go/cmd/root.go.
var Version = "dev"

var (
	cfgFile string
	verbose bool

	rootCmd = &cobra.Command{
		Use:     "towboot",
		Short:   "Development harness for the towboot Multiboot core",
		Version: Version,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(simulateCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "towboot: failed to read config %s: %v\n", cfgFile, err)
		}
	}
	viper.AutomaticEnv()
}

// logf prints a verbose-gated log line, following the teacher's own
// plain fmt/log-call idiom rather than a structured logging framework.
func logf(format string, args ...any) {
	if !viper.GetBool("verbose") {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
