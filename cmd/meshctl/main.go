// meshctl is the admin CLI for a meshd controller.
package main

import (
	"github.com/virtnet/meshd/cmd/meshctl/commands"
)

func main() {
	commands.Execute()
}
