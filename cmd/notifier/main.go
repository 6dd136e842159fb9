package main

import (
	"os"

	"github.com/getsinto/sschoool-sub001/pkg/cli"
)

func main() {
	root := cli.NewRootCommand(cli.DefaultOptions())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
