package main

import "github.com/secure-chat/pairing-relay/cmd/paircall/cmd"

func main() {
	cmd.Execute()
}
