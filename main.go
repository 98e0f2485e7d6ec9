package main

import "github.com/deploymenttheory/go-snapfs/cmd"

func main() {
	cmd.Execute()
}
