package main

import "github.com/deploymenttheory/go-nandftl/cmd"

func main() {
	cmd.Execute()
}
