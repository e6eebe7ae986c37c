// Command fabricpm sweeps the performance counters of a fabric, serves the
// results over HTTP and runs a simulated performance management agent.
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
