package main

import "github.com/gatekeeper-sh/gatekeeper/cmd/gatekeeper/cmd"

func main() {
	cmd.Execute()
}
