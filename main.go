// The main package for the scrapeguard executable.
package main

import (
	"github.com/JakeFAU/scrapeguard/cmd"
)

func main() {
	cmd.Execute()
}
