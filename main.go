package main

import "github.com/driftlab/chatrelay/cmd"

func main() {
	cmd.Execute()
}
