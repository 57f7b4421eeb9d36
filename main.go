package main

import "github.com/merchbot/broadcast-gateway/cmd"

func main() {
	cmd.Execute()
}
