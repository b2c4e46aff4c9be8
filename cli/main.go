package main

import "github.com/Player420/OnestarStream1.0-sub001/cli/cmd"

func main() {
	cmd.Execute()
}
