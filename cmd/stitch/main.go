package main

import (
	"os"

	"github.com/zsiec/stitch/cmd/stitch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
