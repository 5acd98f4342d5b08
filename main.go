// The main package for the hcmfetch executable.
package main

import "github.com/hcmtools/hcmfetch/cmd"

func main() {
	cmd.Execute()
}
