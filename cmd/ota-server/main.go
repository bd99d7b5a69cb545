package main

import "github.com/espforge/ota-stage/cmd/ota-server/cmd"

func main() {
	cmd.Execute()
}
