package main

import "github.com/audiolibrelab/ripplefb/cmd"

func main() {
	cmd.Execute()
}
