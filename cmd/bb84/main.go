package main

import (
	"os"

	"github.com/alan-christopher/bb84sim/cmd/bb84/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
