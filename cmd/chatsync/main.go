package main

import "github.com/nfrund/chatsync/cmd/chatsync/cmd"

func main() {
	cmd.Execute()
}
