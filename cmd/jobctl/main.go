package main

import (
	"os"

	"github.com/renderfarm/jobtrackd/cmd/jobctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
