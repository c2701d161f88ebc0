package main

import "github.com/restakefi/keyguard/cmd"

func main() {
	cmd.Execute()
}
