package main

import (
	"os"

	"github.com/kraken-im/krakencore/cmd/krakenmsg/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
