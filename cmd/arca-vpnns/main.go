package main

import (
	"os"

	"github.com/vas-solutus/arca-vpnns/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	err := cli.NewRootCmd().Execute()
	os.Exit(cli.Exit(os.Stderr, err))
}
