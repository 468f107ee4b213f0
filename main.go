package main

import "github.com/castellan-ai/castellan/cmd"

func main() {
	cmd.Execute()
}
