package main

import "github.com/trellisdb/trellis/cmd/trellis/cmd"

func main() {
	cmd.Execute()
}
