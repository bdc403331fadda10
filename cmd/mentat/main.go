// Command mentat runs the agent runtime.
//
// Usage:
//
//	mentat serve --config mentat.yaml
//	mentat run myproject --script-version 2
//	mentat memoryd --file memory.json
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/mentatlabs/mentat"
	"github.com/mentatlabs/mentat/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the HTTP/WebSocket agent server."`
	Run     RunCmd     `cmd:"" help:"Run a stored script for a project."`
	Memoryd MemorydCmd `cmd:"" help:"Run the temporal memory MCP server on stdio."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, or colored)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(mentat.GetVersion())
	return nil
}

// loadConfig reads the config file when given, otherwise defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("mentat"),
		kong.Description("Mentat - tool-augmented agent runtime"),
		kong.UsageOnError(),
	)

	cleanup, err := initLoggerFromCLI(cli.LogLevel, cli.LogFile, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
