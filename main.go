// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/andotherstuff/otherstuff-relay-sub000/command"
	"github.com/andotherstuff/otherstuff-relay-sub000/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

func Run(args []string) int {
	// Version handling must come before the CLI so `-v` works without a
	// subcommand.
	for _, arg := range args {
		if arg == "-v" || arg == "-version" || arg == "--version" {
			args = []string{"version"}
			break
		}
	}

	commands := command.Commands(nil)
	c := &cli.CLI{
		Name:         "otherstuff-relay",
		Version:      version.GetVersion().FullVersionNumber(true),
		Args:         args,
		Commands:     commands,
		Autocomplete: true,
		HelpFunc:     cli.BasicHelpFunc("otherstuff-relay"),
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
