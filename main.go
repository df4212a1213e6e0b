// The main package for the pdf-watcher executable.
package main

import (
	"github.com/JakeFAU/pdf-watcher/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
