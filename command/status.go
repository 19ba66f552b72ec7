// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/posener/complete"
	"github.com/ryanuber/columnize"
)

// StatusCommand queries the agent's status endpoint and renders it.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: otherstuff-relay status [options]

  Display the status of the running relay agent: connection and
  subscription counts, stored events, and queue depth.

General Options:
` + generalOptionsUsage()
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display the status of the relay"
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) AutocompleteFlags() complete.Flags {
	return c.Meta.AutocompleteFlags()
}

func (c *StatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *StatusCommand) Run(args []string) int {
	flags := c.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	addr := httpURL(c.Address()) + "/v1/status"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(addr)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying relay: %s", err))
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.Ui.Error(fmt.Sprintf("Relay returned status %s", resp.Status))
		return 1
	}

	var status struct {
		Version       string `json:"version"`
		Connections   int    `json:"connections"`
		Subscriptions int    `json:"subscriptions"`
		StoredEvents  int64  `json:"stored_events"`
		IngressDepth  int    `json:"ingress_depth"`
		Store         string `json:"store"`
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewDecoder(resp.Body).Decode(&status); err != nil {
		c.Ui.Error(fmt.Sprintf("Error decoding response: %s", err))
		return 1
	}

	basic := []string{
		fmt.Sprintf("Version|%s", status.Version),
		fmt.Sprintf("Event Store|%s", status.Store),
		fmt.Sprintf("Stored Events|%s", humanize.Comma(status.StoredEvents)),
		fmt.Sprintf("Connections|%d", status.Connections),
		fmt.Sprintf("Subscriptions|%d", status.Subscriptions),
		fmt.Sprintf("Ingress Depth|%d", status.IngressDepth),
	}
	c.Ui.Output(columnize.SimpleFormat(basic))
	return 0
}

// httpURL normalizes a relay address to an http scheme for the operator
// endpoints.
func httpURL(addr string) string {
	switch {
	case strings.HasPrefix(addr, "ws://"):
		return "http://" + strings.TrimPrefix(addr, "ws://")
	case strings.HasPrefix(addr, "wss://"):
		return "https://" + strings.TrimPrefix(addr, "wss://")
	case strings.Contains(addr, "://"):
		return addr
	default:
		return "http://" + addr
	}
}

// commandErrorText is a standard pointer to a command's help.
func commandErrorText(cmd interface{ Name() string }) string {
	return fmt.Sprintf("For additional help try 'otherstuff-relay %s -help'", cmd.Name())
}
