// Command fastget is a thin CLI wrapper around the download coordination
// engine: flag parsing, signal wiring, and Reporter/logger selection live
// here, outside the engine proper.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
