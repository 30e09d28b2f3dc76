// The main package for the notam-pipeline executable.
package main

import (
	"github.com/JakeFAU/notam-pipeline/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
