package main

import "github.com/kozaktomas/member-check/cmd"

func main() {
	cmd.Execute()
}
