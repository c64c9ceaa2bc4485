package main

import (
	"fmt"
	"os"

	"github.com/tartarus-sandbox/styx/cmd/styx/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "styx: %v\n", err)
		os.Exit(1)
	}
}
