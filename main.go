package main

import "github.com/personacord/personacord/cmd"

func main() {
	cmd.Execute()
}
