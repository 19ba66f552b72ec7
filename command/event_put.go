// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/cli"
	jsoniter "github.com/json-iterator/go"
	"github.com/posener/complete"

	"github.com/andotherstuff/otherstuff-relay-sub000/api"
	"github.com/andotherstuff/otherstuff-relay-sub000/relay/structs"
)

// EventCommand is the parent of the event subcommands.
type EventCommand struct {
	Meta
}

func (c *EventCommand) Help() string {
	helpText := `
Usage: otherstuff-relay event <subcommand> [options]

  Interact with events on a running relay.

  Publish a signed event from a file:

      $ otherstuff-relay event put event.json

  Please see the individual subcommand help for detailed usage.
`
	return strings.TrimSpace(helpText)
}

func (c *EventCommand) Synopsis() string {
	return "Interact with events"
}

func (c *EventCommand) Name() string { return "event" }

func (c *EventCommand) Run(args []string) int {
	return cli.RunResultHelp
}

// EventPutCommand publishes one signed event file to the relay.
type EventPutCommand struct {
	Meta
}

func (c *EventPutCommand) Help() string {
	helpText := `
Usage: otherstuff-relay event put <path>

  Submit the signed event in the given JSON file (or "-" for stdin) to
  the relay and print the acknowledgment. The file must contain a
  complete event object, including id and signature; the relay rejects
  anything it cannot verify.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *EventPutCommand) Synopsis() string {
	return "Publish a signed event to the relay"
}

func (c *EventPutCommand) Name() string { return "event put" }

func (c *EventPutCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *EventPutCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictFiles("*.json")
}

func (c *EventPutCommand) Run(args []string) int {
	flags := c.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 1 {
		c.Ui.Error("This command takes one argument: <path>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	var raw []byte
	var err error
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error reading event file: %s", err))
		return 1
	}

	var event structs.Event
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &event); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing event: %s", err))
		return 1
	}
	if err := event.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Event is not well-formed: %s", err))
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := api.Dial(ctx, api.Config{Address: c.Address()})
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error connecting to relay: %s", err))
		return 1
	}
	defer client.Close()

	ack, err := client.Publish(ctx, &event)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error publishing event: %s", err))
		return 1
	}

	if !ack.Accepted {
		c.Ui.Error(color.RedString("Event %s rejected: %s", shortID(ack.EventID), ack.Message))
		return 1
	}
	if ack.Message != "" {
		c.Ui.Output(fmt.Sprintf("Event %s accepted (%s)", shortID(ack.EventID), ack.Message))
	} else {
		c.Ui.Output(fmt.Sprintf("Event %s accepted", shortID(ack.EventID)))
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
