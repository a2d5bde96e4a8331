package main

import (
	"os"

	"github.com/wearecity/citykb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
