package main

import (
	"os"

	"github.com/voxbatch/voxbatch/cmd/voxbatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
