// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/andotherstuff/otherstuff-relay-sub000/version"
)

// Command is the `agent` CLI command: it loads configuration, starts the
// relay, and runs until signalled.
type Command struct {
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args []string

	agent      *Agent
	httpServer *HTTPServer
	logger     hclog.InterceptLogger
}

func (c *Command) Help() string {
	helpText := `
Usage: otherstuff-relay agent [options]

  Starts the relay agent and runs until an interrupt is received. The
  agent serves the websocket relay endpoint and the operator HTTP API.

  The agent's configuration primarily comes from the config files used,
  but a subset of the options may also be passed directly as CLI
  arguments.

General Options:

  -config=<path>
    The path to either a single config file or a directory of config
    files to use for configuring the agent. This option may be
    specified multiple times; later values merge over earlier ones.

  -bind=<address>
    The address the agent will bind to for the HTTP endpoint.

  -data-dir=<path>
    The directory used to store the durable event database. When
    omitted, events are kept in memory and lost on restart.

  -log-level=<level>
    Specify the verbosity level of the agent's logs. Valid values
    include TRACE, DEBUG, INFO, WARN, and ERROR.

  -log-json
    Output logs in a JSON format.

  -dev
    Start the agent in development mode: in-memory store, DEBUG
    logging, and a listener on the loopback interface.
`
	return strings.TrimSpace(helpText)
}

func (c *Command) Synopsis() string {
	return "Runs the relay agent"
}

func (c *Command) Name() string { return "agent" }

func (c *Command) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-config":    complete.PredictOr(complete.PredictFiles("*.hcl"), complete.PredictFiles("*.json")),
		"-bind":      complete.PredictAnything,
		"-data-dir":  complete.PredictDirs("*"),
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":  complete.PredictNothing,
		"-dev":       complete.PredictNothing,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Run(args []string) int {
	c.args = args

	config := c.readConfig()
	if config == nil {
		return 1
	}

	logLevel := hclog.LevelFromString(config.LogLevel)
	if logLevel == hclog.NoLevel {
		c.Ui.Error(fmt.Sprintf("Unknown log level: %s", config.LogLevel))
		return 1
	}
	c.logger = hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "agent",
		Level:      logLevel,
		JSONFormat: config.LogJson,
	})

	inmem, err := setupTelemetry(config.Telemetry)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	agent, err := NewAgent(config, c.logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent
	defer agent.Shutdown()

	httpServer, err := NewHTTPServer(agent, config, inmem)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return 1
	}
	c.httpServer = httpServer
	defer httpServer.Shutdown()

	info := version.GetVersion()
	c.Ui.Output(fmt.Sprintf("==> Starting OtherStuff Relay v%s", info.VersionNumber()))
	c.Ui.Output(fmt.Sprintf("    Listening on: %s", httpServer.Addr))
	c.Ui.Output(fmt.Sprintf("    Event store: %s", agent.Relay().Stats().Store))
	c.Ui.Output("")
	c.Ui.Output("==> Relay agent started! Log data will stream in below:")

	return c.handleSignals()
}

// readConfig assembles the final config from defaults, files, and flags.
func (c *Command) readConfig() *Config {
	var configPaths []string
	var dev bool
	cmdConfig := &Config{Ports: &Ports{}}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.Var((*flagStringSlice)(&configPaths), "config", "config file or directory")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.DataDir, "data-dir", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.BoolVar(&dev, "dev", false, "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := DefaultConfig()
	if dev {
		config.LogLevel = "DEBUG"
		config.DataDir = ""
	}

	for _, path := range configPaths {
		loaded, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}
		config = config.Merge(loaded)
	}

	config = config.Merge(cmdConfig)
	if dev {
		// Dev mode pins the listener to loopback regardless of files.
		config.BindAddr = "127.0.0.1"
		config.DataDir = ""
	}
	return config
}

// handleSignals blocks until the process is told to exit, handling SIGHUP
// as a config reload.
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		var sig os.Signal
		select {
		case s := <-signalCh:
			sig = s
		case <-c.ShutdownCh:
			sig = os.Interrupt
		}

		c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

		if sig == syscall.SIGHUP {
			c.handleReload()
			continue
		}
		return 0
	}
}

// handleReload re-reads the config files and applies the reloadable
// subset.
func (c *Command) handleReload() {
	newConf := c.readConfig()
	if newConf == nil {
		c.Ui.Error("Failed to reload config")
		return
	}
	if err := c.agent.Reload(newConf); err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to reload config: %s", err))
	}
}

// flagStringSlice lets -config repeat.
type flagStringSlice []string

func (v *flagStringSlice) String() string { return strings.Join(*v, ",") }

func (v *flagStringSlice) Set(s string) error {
	*v = append(*v, s)
	return nil
}
