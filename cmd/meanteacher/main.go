package main

import (
	"os"

	"github.com/tsawler/go-meanteacher/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
