package main

import "github.com/jmcleod/fidogate/cmd/fidogate/cmd"

func main() {
	cmd.Execute()
}
