package main

import (
	"github.com/xkilldash9x/portalkeep/cmd"
)

// main is the entry point for the portalkeep service.
func main() {
	cmd.Execute()
}
