package main

import "keymesh/cmd/keymeshctl/internal/cmd"

func main() {
	cmd.Execute()
}
