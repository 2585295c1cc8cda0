// syncd is the sync engine daemon and operator tool for CampusHQ devices.
// It runs the background sync loop, triggers one-shot cycles, inspects the
// queue, and resolves manual conflicts.
package main

import (
	"fmt"
	"os"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
