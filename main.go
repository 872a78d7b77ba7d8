package main

import (
	"os"

	"github.com/hhuOS/towboot/cmd/towboot"
)

func main() {
	if err := towboot.Execute(); err != nil {
		os.Exit(1)
	}
}
