package main

import "github.com/polistern/pboted/cmd"

func main() {
	cmd.Execute()
}
