package main

import "github.com/poolgate/poolgate/cmd/poolgate/cmd"

func main() {
	cmd.Execute()
}
