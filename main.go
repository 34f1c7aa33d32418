package main

import "github.com/nibot/nibot/cmd"

func main() {
	cmd.Execute()
}
