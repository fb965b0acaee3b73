package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// errRunFailed marks a command whose outcome was already printed.
var errRunFailed = errors.New("workflow execution failed")

type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     Config
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "stepflow",
		Short:         "Run condition-gated monitoring workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := loadConfig(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "settings file (default ~/.stepflow/settings.yaml)")
	flags.String("db-path", "", "database path (default ~/.stepflow/stepflow.db)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	_ = c.v.BindPFlag("db_path", flags.Lookup("db-path"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log_format", flags.Lookup("log-format"))

	root.AddCommand(
		newRunCmd(c),
		newServeCmd(c),
		newWorkflowsCmd(c),
		newExecutionsCmd(c),
		newLogsCmd(c),
		newSecretCmd(c),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
