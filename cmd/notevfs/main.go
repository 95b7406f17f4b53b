// notevfs runs a note storage node: the local VFS, its sync engine and,
// optionally, the hub other devices sync through.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/mushuanli/itookit-sub011/internal/logger"
	"github.com/mushuanli/itookit-sub011/pkg/config"
)

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

var commands = []command{
	{"init", "write a sample configuration file", runInit},
	{"serve", "run the node until interrupted", runServe},
	{"sync", "run one sync pass and exit", runSync},
	{"conflicts", "list or resolve sync conflicts", runConflicts},
	{"export", "export modules to the backup sink", runExport},
	{"import", "import a backup from the backup sink", runImport},
	{"gc", "run one garbage collection cycle", runGC},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	for _, c := range commands {
		if c.name == args[0] {
			err := c.run(args[1:])
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return err
		}
	}

	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: notevfs <command> [flags]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, "\nRun 'notevfs <command> --help' for the flags of a command.\n")
}

// newFlagSet returns a flag set carrying the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("notevfs "+name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", "", "path to the config file (default: "+config.GetDefaultConfigPath()+")")
	return fs
}

// loadConfig loads the configuration and configures the global logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	return cfg, nil
}
