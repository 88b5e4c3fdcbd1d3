package main

import "github.com/broadify/bridge/cmd/bridge/commands"

func main() {
	commands.Execute()
}
