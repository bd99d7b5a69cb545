package main

import "github.com/espforge/ota-stage/cmd/ota-deploy/cmd"

func main() {
	cmd.Execute()
}
