package main

import "github.com/lacehq/lace/cmd"

func main() {
	cmd.Execute()
}
