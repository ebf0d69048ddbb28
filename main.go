// The main package for the embedcrawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/anime-embed-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
