// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command implements the CLI commands of the relay binary.
package command

import (
	"flag"
	"os"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

const (
	// DefaultAddress is the relay address commands talk to when no flag
	// or environment override is given.
	DefaultAddress = "http://127.0.0.1:4648"

	// EnvRelayAddr overrides the default address.
	EnvRelayAddr = "RELAY_ADDR"
)

// Meta contains the meta-options and functionality that nearly every
// command inherits.
type Meta struct {
	Ui cli.Ui

	// flagAddress is set by the -address flag.
	flagAddress string
}

// FlagSet returns a FlagSet with the common flags every command
// implements.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.StringVar(&m.flagAddress, "address", "", "")
	f.SetOutput(&uiErrorWriter{ui: m.Ui})
	return f
}

// Address resolves the relay address from the flag, the environment, or
// the default, in that order.
func (m *Meta) Address() string {
	if m.flagAddress != "" {
		return m.flagAddress
	}
	if addr := os.Getenv(EnvRelayAddr); addr != "" {
		return addr
	}
	return DefaultAddress
}

// AutocompleteFlags returns the completions for the common flags.
func (m *Meta) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-address": complete.PredictAnything,
	}
}

// generalOptionsUsage is appended to command help output.
func generalOptionsUsage() string {
	return `
  -address=<addr>
    The address of the relay. Overrides the RELAY_ADDR environment
    variable if set. Defaults to ` + DefaultAddress + `.
`
}

// uiErrorWriter lets flag packages write through the UI's error stream.
type uiErrorWriter struct {
	ui  cli.Ui
	buf []byte
}

func (w *uiErrorWriter) Write(data []byte) (int, error) {
	w.buf = append(w.buf, data...)
	for {
		i := -1
		for j, b := range w.buf {
			if b == '\n' {
				i = j
				break
			}
		}
		if i < 0 {
			break
		}
		w.ui.Error(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(data), nil
}
