package main

import "github.com/moyoez/vaultdrop/cmd"

func main() {
	cmd.Execute()
}
