// Meshminictl -- operator CLI for the meshmini store.
package main

import "github.com/meshlink/meshmini/cmd/meshminictl/commands"

func main() {
	commands.Execute()
}
