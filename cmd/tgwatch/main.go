// Package main contains the entrypoint for the tgwatch daemon and tools.
package main

import (
	"fmt"
	"os"

	"github.com/tgwatch/tgwatch/internal/cli"

	_ "modernc.org/sqlite"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
