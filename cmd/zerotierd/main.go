package main

import (
	cmd "github.com/NAStools/zerotierone/cmd/zerotierd/commands"
)

func main() {
	cmd.Execute()
}
