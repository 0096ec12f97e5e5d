package main

import (
	"os"

	"github.com/matchpulse/pipeline/cmd/pipectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
