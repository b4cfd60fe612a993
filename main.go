package main

import "github.com/convogate/convogate/cmd"

func main() {
	cmd.Execute()
}
