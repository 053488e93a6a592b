package main

import "github.com/AvaProtocol/ap-relayer/cmd"

func main() {
	cmd.Execute()
}
