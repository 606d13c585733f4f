package main

import "github.com/claudio-sh/claudio/cmd"

func main() {
	cmd.Execute()
}
