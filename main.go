package main

import "github.com/audiolibrelab/micsession/cmd"

func main() {
	cmd.Execute()
}
