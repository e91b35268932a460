// svg2pptx-batch - batch SVG to PPTX conversion engine
package main

import (
	"os"

	"github.com/BramAlkema/svg2pptx-batch/internal/cli"
)

// Version information - overridden via LDFLAGS for release builds.
var (
	Version   = "v1.0.0"
	BuildTime = "2026-08-24"
)

func main() {
	cli.Version = Version
	cli.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
